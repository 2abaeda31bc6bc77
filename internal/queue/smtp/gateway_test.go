package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/queue"
)

func TestNewGateway_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "missing host",
			config:  Config{FromAddress: "noreply@example.com"},
			wantErr: "host is required",
		},
		{
			name:    "missing from address",
			config:  Config{Host: "smtp.example.com"},
			wantErr: "from address is required",
		},
		{
			name:   "minimal valid",
			config: Config{Host: "smtp.example.com", FromAddress: "noreply@example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway, err := NewGateway(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, gateway)
		})
	}
}

func TestNewGateway_Defaults(t *testing.T) {
	gateway, err := NewGateway(Config{
		Host:        "smtp.example.com",
		FromAddress: "noreply@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, 587, gateway.config.Port)
	assert.NotZero(t, gateway.config.DialTimeout)
	assert.Nil(t, gateway.auth, "no credentials means no auth")
}

func TestNewGateway_AuthWithCredentials(t *testing.T) {
	gateway, err := NewGateway(Config{
		Host:        "smtp.example.com",
		FromAddress: "noreply@example.com",
		User:        "mailer",
		Password:    "secret",
	})
	require.NoError(t, err)
	assert.NotNil(t, gateway.auth)
}

func TestGateway_Send_MalformedPayload(t *testing.T) {
	gateway, err := NewGateway(Config{
		Host:        "smtp.example.com",
		FromAddress: "noreply@example.com",
	})
	require.NoError(t, err)

	outcome := gateway.Send(context.Background(), &queue.Item{
		ID:        "item-1",
		Recipient: "user@example.com",
		Payload:   []byte(`{not json`),
	})

	assert.Equal(t, queue.OutcomePermanent, outcome.Kind)
	assert.Contains(t, outcome.Reason, "malformed payload")
}

func TestGateway_Send_CancelledContext(t *testing.T) {
	gateway, err := NewGateway(Config{
		Host:        "smtp.example.com",
		FromAddress: "noreply@example.com",
		RateLimit:   1,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := gateway.Send(ctx, &queue.Item{
		ID:      "item-1",
		Payload: []byte(`{"subject":"s","body":"b"}`),
	})

	assert.Equal(t, queue.OutcomeTransient, outcome.Kind)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want queue.OutcomeKind
	}{
		{"network timeout", fmt.Errorf("dial smtp: %w", timeoutError{}), queue.OutcomeTransient},
		{"connection refused", fmt.Errorf("dial smtp: %w", &net.OpError{Op: "dial", Err: errors.New("connection refused")}), queue.OutcomeTransient},
		{"421 service not available", errors.New("421 4.3.2 Service not available"), queue.OutcomeTransient},
		{"450 mailbox unavailable", errors.New("rcpt to: 450 4.2.1 Mailbox unavailable"), queue.OutcomeTransient},
		{"451 local error", errors.New("data: 451 4.3.0 Local error in processing"), queue.OutcomeTransient},
		{"452 insufficient storage", errors.New("452 4.3.1 Insufficient system storage"), queue.OutcomeTransient},
		{"552 mailbox full", errors.New("552 5.2.2 Mailbox full"), queue.OutcomeTransient},
		{"550 mailbox not found", errors.New("rcpt to: 550 5.1.1 Mailbox not found"), queue.OutcomePermanent},
		{"551 user not local", errors.New("551 5.1.6 User not local"), queue.OutcomePermanent},
		{"553 mailbox name not allowed", errors.New("553 5.1.3 Mailbox name not allowed"), queue.OutcomePermanent},
		{"554 transaction failed", errors.New("554 5.0.0 Transaction failed"), queue.OutcomePermanent},
		{"uncategorized defaults to transient", errors.New("starttls: handshake failure"), queue.OutcomeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := classify(tt.err)
			assert.Equal(t, tt.want, outcome.Kind)
			assert.Equal(t, tt.err.Error(), outcome.Reason)
		})
	}
}

func TestGateway_BuildMessage(t *testing.T) {
	gateway, err := NewGateway(Config{
		Host:        "smtp.example.com",
		FromAddress: "Mailflow <noreply@example.com>",
	})
	require.NoError(t, err)

	msg := string(gateway.buildMessage("user@example.com", "Welcome", "Hello there"))

	lines := strings.Split(msg, "\r\n")
	assert.Equal(t, "From: Mailflow <noreply@example.com>", lines[0])
	assert.Equal(t, "To: user@example.com", lines[1])
	assert.Equal(t, "Subject: Welcome", lines[2])
	assert.Contains(t, msg, "MIME-Version: 1.0")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nHello there"))
}

func TestExtractEmail(t *testing.T) {
	tests := []struct {
		address  string
		expected string
	}{
		{"noreply@example.com", "noreply@example.com"},
		{"Mailflow <noreply@example.com>", "noreply@example.com"},
		{"<noreply@example.com>", "noreply@example.com"},
		{"Broken <noreply@example.com", "Broken <noreply@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractEmail(tt.address))
		})
	}
}
