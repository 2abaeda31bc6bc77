//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/queue"
)

func postJSON(t *testing.T, path string, body string) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}

	resp, err := http.Post(testServer.URL+path, "application/json", reader)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeSummary(t *testing.T, body []byte) queue.Summary {
	t.Helper()

	var resp struct {
		Data queue.Summary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Data
}

func TestQueueAPI_ProcessDeliversEmail(t *testing.T) {
	truncateQueue(t)
	require.NoError(t, mailpitClient.DeleteAllMessages())

	item := enqueueTestItem(t, "recipient@example.com", "Welcome aboard")

	resp, body := postJSON(t, "/api/v1/queue/process", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	summary := decodeSummary(t, body)
	assert.Equal(t, 1, summary.Claimed)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 0, summary.Requeued)
	assert.Equal(t, 0, summary.Dead)
	assert.Empty(t, summary.Anomalies)

	messages := waitForMessages(t, 1)
	assert.Equal(t, "Welcome aboard", messages[0].Subject)
	require.NotEmpty(t, messages[0].To)
	assert.Equal(t, "recipient@example.com", messages[0].To[0].Address)

	row := getItemRow(t, item.ID)
	assert.Equal(t, queue.StatusSent, row.Status)
	assert.Nil(t, row.LockToken)
}

func TestQueueAPI_ProcessEmptyQueue(t *testing.T) {
	truncateQueue(t)

	resp, body := postJSON(t, "/api/v1/queue/process", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	summary := decodeSummary(t, body)
	assert.Equal(t, 0, summary.Claimed)
	assert.NotNil(t, summary.Anomalies)
}

func TestQueueAPI_ProcessDryRun(t *testing.T) {
	truncateQueue(t)
	require.NoError(t, mailpitClient.DeleteAllMessages())

	item := enqueueTestItem(t, "dryrun@example.com", "Never sent")

	resp, body := postJSON(t, "/api/v1/queue/process", `{"dryRun": true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	summary := decodeSummary(t, body)
	assert.Equal(t, 1, summary.Claimed)
	assert.Equal(t, 1, summary.Requeued)

	row := getItemRow(t, item.ID)
	assert.Equal(t, queue.StatusPending, row.Status)
	assert.Equal(t, 0, row.Attempts)

	messages, err := mailpitClient.GetMessages()
	require.NoError(t, err)
	assert.Empty(t, messages, "dry run must not deliver anything")
}

func TestQueueAPI_ProcessInvalidBatchSize(t *testing.T) {
	resp, body := postJSON(t, "/api/v1/queue/process", `{"batchSize": -5}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "validation error")
}

func TestQueueAPI_Reconcile(t *testing.T) {
	truncateQueue(t)

	stale := enqueueTestItem(t, "reconcile@example.com", "left behind")
	claimed, err := queueRepo().ClaimBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	ageProcessingItem(t, stale.ID, 2*time.Hour)

	resp, body := postJSON(t, "/api/v1/queue/reconcile", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reconcileResp struct {
		Data queue.ReconcileResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &reconcileResp))
	assert.Equal(t, int64(1), reconcileResp.Data.Requeued)
	assert.Equal(t, queue.StatusPending, getItemRow(t, stale.ID).Status)
}

func TestQueueAPI_Stats(t *testing.T) {
	truncateQueue(t)

	enqueueTestItem(t, "stats-api@example.com", "waiting")

	resp, err := http.Get(testServer.URL + "/api/v1/queue/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var statsResp struct {
		Data queue.Stats `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statsResp))
	assert.Equal(t, int64(1), statsResp.Data.Pending)
}

func TestQueueAPI_Health(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(testServer.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
