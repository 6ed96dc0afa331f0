// Package email defines the outbound message model and the Sender interface
// the send pipeline delivers through. It provides an SMTP-backed
// implementation (the default relay) and a Resend API implementation.
package email

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Recipient is one addressee of a mass send. Names are optional and only
// used for the To display name.
type Recipient struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// FullName joins the optional name fields, or returns "" when both are empty.
func (r Recipient) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Attachment is a binary part of a message. A non-empty ContentID marks the
// part as inline (referenced from the HTML as cid:<ContentID>).
type Attachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content"` // base64 in JSON
	ContentType string `json:"contentType"`
	ContentID   string `json:"-"`
}

// Inline reports whether the attachment is referenced from the HTML body.
func (a Attachment) Inline() bool {
	return a.ContentID != ""
}

// Message is the per-job invariant part of an email: the same subject, body
// and attachments go to every recipient.
type Message struct {
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Sender delivers one message to one recipient. Each call is one logical
// delivery attempt with one outcome; a nil error means the relay accepted it.
//
// Implementations must return (never panic) on connection, protocol and
// relay errors, and must honour ctx's deadline.
type Sender interface {
	Deliver(ctx context.Context, to Recipient, msg Message) error

	// Name identifies the transport in logs and metrics ("smtp", "resend").
	Name() string
}

var (
	// ErrTimeout is returned when a connection attempt or delivery exceeds
	// its time budget.
	ErrTimeout = errors.New("timeout")

	// ErrNoRecipient is returned when Deliver is called with an empty address.
	ErrNoRecipient = errors.New("email: recipient address is empty")
)

// Reason converts a delivery error into the short human-readable string that
// ends up in the job log. Timeouts always read "timeout".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if isTimeout(err) {
		return ErrTimeout.Error()
	}
	return err.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
