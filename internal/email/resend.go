package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/resend/resend-go/v3"
)

// resendClient is the Sender backed by the Resend HTTP API. It exists for
// operators whose network blocks outbound SMTP.
type resendClient struct {
	client      *resend.Client
	fromAddr    string
	fromName    string
	replyToAddr string
	replyToName string
}

// ResendConfig holds the API key and sender identity.
type ResendConfig struct {
	APIKey      string
	FromAddr    string
	FromName    string
	ReplyToAddr string
	ReplyToName string
}

// NewResendSender returns a Sender that delivers via Resend.
func NewResendSender(cfg ResendConfig, logger *slog.Logger) Sender {
	logger.Info("email: resend sender configured", "from", cfg.FromAddr)
	return &resendClient{
		client:      resend.NewClient(cfg.APIKey),
		fromAddr:    cfg.FromAddr,
		fromName:    cfg.FromName,
		replyToAddr: cfg.ReplyToAddr,
		replyToName: cfg.ReplyToName,
	}
}

func (c *resendClient) Name() string { return "resend" }

// Deliver sends one message through the Resend API.
func (c *resendClient) Deliver(ctx context.Context, to Recipient, msg Message) error {
	if strings.TrimSpace(to.Email) == "" {
		return ErrNoRecipient
	}

	req := c.buildRequest(to, msg)
	if _, err := c.client.Emails.SendWithContext(ctx, req); err != nil {
		if isTimeout(err) || ctx.Err() != nil {
			return ErrTimeout
		}
		return fmt.Errorf("resend: %w", err)
	}
	return nil
}

// ─── RESEND API SHAPES ────────────────────────────────────────────────────────

func (c *resendClient) buildRequest(to Recipient, msg Message) *resend.SendEmailRequest {
	req := &resend.SendEmailRequest{
		From:    formatAddress(c.fromName, c.fromAddr),
		To:      []string{formatAddress(to.FullName(), strings.TrimSpace(to.Email))},
		Subject: msg.Subject,
		Html:    msg.HTML,
	}
	if c.replyToAddr != "" {
		req.ReplyTo = formatAddress(c.replyToName, c.replyToAddr)
	}
	if len(msg.Attachments) > 0 {
		req.Attachments = make([]*resend.Attachment, len(msg.Attachments))
		for i, a := range msg.Attachments {
			req.Attachments[i] = &resend.Attachment{
				Filename:    a.Filename,
				Content:     a.Content,
				ContentType: a.ContentType,
				ContentId:   a.ContentID,
			}
		}
	}
	return req
}

// formatAddress renders an RFC 5322 mailbox: a quoted or RFC 2047 encoded
// display name, or just addr when name is empty.
func formatAddress(name, addr string) string {
	if strings.TrimSpace(name) == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}
