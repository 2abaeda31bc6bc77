// Package smtp provides SMTP delivery of queued email via STARTTLS.
package smtp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"mailflow/internal/queue"
)

// Config holds SMTP gateway configuration.
type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	FromAddress string
	// RateLimit caps outbound sends per second. Zero means unlimited.
	RateLimit   float64
	DialTimeout time.Duration
}

// Gateway implements queue.Gateway over SMTP.
type Gateway struct {
	config  Config
	auth    smtp.Auth
	limiter *rate.Limiter
}

// NewGateway creates an SMTP gateway.
// Returns an error if required config is missing.
func NewGateway(config Config) (*Gateway, error) {
	if config.Host == "" {
		return nil, errors.New("smtp gateway: host is required")
	}
	if config.FromAddress == "" {
		return nil, errors.New("smtp gateway: from address is required")
	}

	if config.Port == 0 {
		config.Port = 587
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	var auth smtp.Auth
	if config.User != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.User, config.Password, config.Host)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	slog.Info("smtp gateway configured",
		"host", config.Host,
		"port", config.Port,
		"from_address", config.FromAddress,
		"rate_limit", config.RateLimit,
	)

	return &Gateway{
		config:  config,
		auth:    auth,
		limiter: limiter,
	}, nil
}

// content is the provider-side interpretation of the item payload. The
// queue core passes it through untouched.
type content struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Send dispatches one queued item and classifies the result. Errors never
// cross this boundary as crashes: anything not recognizably permanent maps
// to a transient outcome.
func (g *Gateway) Send(ctx context.Context, item *queue.Item) queue.Outcome {
	if err := g.limiter.Wait(ctx); err != nil {
		return queue.Transient("rate limiter wait: " + err.Error())
	}

	var c content
	if err := json.Unmarshal(item.Payload, &c); err != nil {
		// Malformed content can never succeed on retry.
		return queue.Permanent("malformed payload: " + err.Error())
	}
	if c.Subject == "" {
		c.Subject = item.TemplateRef
	}

	if err := g.sendEmail(ctx, item.Recipient, c.Subject, c.Body); err != nil {
		return classify(err)
	}

	return queue.Delivered()
}

// sendEmail delivers via STARTTLS (port 587 flow).
func (g *Gateway) sendEmail(ctx context.Context, recipient, subject, body string) error {
	msg := g.buildMessage(recipient, subject, body)
	addr := fmt.Sprintf("%s:%d", g.config.Host, g.config.Port)

	tlsConfig := &tls.Config{
		ServerName: g.config.Host,
		MinVersion: tls.VersionTLS12,
	}

	dialer := &net.Dialer{Timeout: g.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, g.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if g.auth != nil {
		if err := client.Auth(g.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	from := extractEmail(g.config.FromAddress)
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// buildMessage constructs the email message with headers.
func (g *Gateway) buildMessage(recipient, subject, body string) []byte {
	var msg strings.Builder

	// Headers in deterministic order
	msg.WriteString(fmt.Sprintf("From: %s\r\n", g.config.FromAddress))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", recipient))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	return []byte(msg.String())
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// classify maps an SMTP send error to a delivery outcome.
func classify(err error) queue.Outcome {
	reason := err.Error()

	// Network timeouts and connection failures are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return queue.Transient(reason)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return queue.Transient(reason)
	}

	// SMTP 4xx replies are temporary failures.
	if strings.Contains(reason, "421") || // Service not available
		strings.Contains(reason, "450") || // Mailbox unavailable
		strings.Contains(reason, "451") || // Local error
		strings.Contains(reason, "452") { // Insufficient storage
		return queue.Transient(reason)
	}

	// 552 - Mailbox full is sometimes retryable
	if strings.Contains(reason, "552") {
		return queue.Transient(reason)
	}

	// Recipient or content rejections will fail the same way every time.
	if strings.Contains(reason, "550") || // Mailbox not found
		strings.Contains(reason, "551") || // User not local
		strings.Contains(reason, "553") || // Mailbox name not allowed
		strings.Contains(reason, "554") { // Transaction failed
		return queue.Permanent(reason)
	}

	// Uncategorized errors default to transient: retrying is cheaper than
	// losing a message.
	return queue.Transient(reason)
}
