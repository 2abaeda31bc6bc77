//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailflow/internal/queue"
	queuepostgres "mailflow/internal/queue/postgres"
)

func queueRepo() *queuepostgres.Repository {
	return queuepostgres.NewRepository(testDB)
}

// truncateQueue resets queue state between tests.
func truncateQueue(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(), "TRUNCATE email_queue")
	require.NoError(t, err)
}

func enqueueTestItem(t *testing.T, recipient, subject string) *queue.Item {
	t.Helper()

	item := &queue.Item{
		Recipient:   recipient,
		TemplateRef: "integration-test",
		Payload:     json.RawMessage(fmt.Sprintf(`{"subject":%q,"body":"integration test body"}`, subject)),
		MaxAttempts: 3,
	}
	require.NoError(t, queueRepo().Enqueue(context.Background(), item))
	return item
}

// itemRow is the subset of columns asserted on in store tests.
type itemRow struct {
	Status    queue.Status
	Attempts  int
	LockToken *string
	LastError *string
}

func getItemRow(t *testing.T, id string) itemRow {
	t.Helper()

	var row itemRow
	err := testDB.QueryRow(context.Background(),
		"SELECT status, attempts, lock_token, last_error FROM email_queue WHERE id = $1", id,
	).Scan(&row.Status, &row.Attempts, &row.LockToken, &row.LastError)
	require.NoError(t, err)
	return row
}

// makeEligible moves an item's next attempt into the past.
func makeEligible(t *testing.T, id string) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		"UPDATE email_queue SET next_attempt_at = NOW() - INTERVAL '1 minute' WHERE id = $1", id)
	require.NoError(t, err)
}

// ageProcessingItem backdates updated_at so the item looks abandoned.
func ageProcessingItem(t *testing.T, id string, age time.Duration) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		"UPDATE email_queue SET updated_at = NOW() - $2::interval WHERE id = $1",
		id, fmt.Sprintf("%d seconds", int(age.Seconds())))
	require.NoError(t, err)
}

// waitForMessages polls Mailpit until at least n messages arrive.
func waitForMessages(t *testing.T, n int) []MailpitMessage {
	t.Helper()

	var messages []MailpitMessage
	require.Eventually(t, func() bool {
		var err error
		messages, err = mailpitClient.GetMessages()
		return err == nil && len(messages) >= n
	}, 10*time.Second, 100*time.Millisecond, "expected %d messages in mailpit", n)
	return messages
}
