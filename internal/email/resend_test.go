package email

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/resend/resend-go/v3"
)

func TestResendBuildRequest(t *testing.T) {
	s := NewResendSender(ResendConfig{
		APIKey:      "re_test",
		FromAddr:    "news@example.com",
		FromName:    "Example Travel",
		ReplyToAddr: "contact@example.com",
	}, slog.New(slog.NewTextHandler(io.Discard, nil))).(*resendClient)

	msg := Message{
		Subject: "Offers",
		HTML:    `<img src="cid:abc@massmail">`,
		Attachments: []Attachment{
			{Filename: "a.png", ContentType: "image/png", Content: []byte{1}, ContentID: "abc@massmail"},
			{Filename: "b.pdf", ContentType: "application/pdf", Content: []byte{2}},
		},
	}

	req := s.buildRequest(Recipient{Email: " bob@example.com ", FirstName: "Bob"}, msg)

	if req.From != `"Example Travel" <news@example.com>` {
		t.Errorf("from: got %q", req.From)
	}
	if len(req.To) != 1 || req.To[0] != `"Bob" <bob@example.com>` {
		t.Errorf("to: got %v", req.To)
	}
	if req.ReplyTo != "contact@example.com" {
		t.Errorf("reply-to: got %q", req.ReplyTo)
	}
	if req.Subject != "Offers" || req.Html != msg.HTML {
		t.Error("subject and html must pass through unchanged")
	}
	if len(req.Attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(req.Attachments))
	}
	if req.Attachments[0].ContentId != "abc@massmail" {
		t.Errorf("inline attachment should keep its content id, got %q", req.Attachments[0].ContentId)
	}
	if req.Attachments[1].ContentId != "" {
		t.Error("regular attachment must not get a content id")
	}
}

func TestFormatAddress(t *testing.T) {
	if got := formatAddress("", "a@example.com"); got != "a@example.com" {
		t.Errorf("got %q", got)
	}
	if got := formatAddress("A B", "a@example.com"); got != `"A B" <a@example.com>` {
		t.Errorf("got %q", got)
	}
	if got := formatAddress("Smith, Jr.", "a@example.com"); got != `"Smith, Jr." <a@example.com>` {
		t.Errorf("a comma in the name must stay inside quotes, got %q", got)
	}
	got := formatAddress("Zoë Müller", "z@example.com")
	if !strings.HasPrefix(got, "=?utf-8?") || !strings.HasSuffix(got, " <z@example.com>") {
		t.Errorf("non-ASCII names must be RFC 2047 encoded, got %q", got)
	}
}

// ─── Deliver against a fake API ───────────────────────────────────────────────

func newFakeResend(t *testing.T, h http.HandlerFunc) *resendClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewResendSender(ResendConfig{
		APIKey:   "re_test",
		FromAddr: "news@example.com",
		FromName: "Example Travel",
	}, slog.New(slog.NewTextHandler(io.Discard, nil))).(*resendClient)
	c.client = resend.NewCustomClient(srv.Client(), "re_test")
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	c.client.BaseURL = base
	return c
}

func TestResendDeliver_Success(t *testing.T) {
	var got resend.SendEmailRequest
	c := newFakeResend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/emails" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer re_test" {
			t.Errorf("missing api key, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"email_123"}`)
	})

	to := Recipient{Email: "a@example.com", FirstName: "Ann", LastName: "Smith, Jr."}
	if err := c.Deliver(context.Background(), to, Message{Subject: "Hi", HTML: "<p>Hi</p>"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(got.To) != 1 || got.To[0] != `"Ann Smith, Jr." <a@example.com>` {
		t.Errorf("to: got %v", got.To)
	}
	if got.Subject != "Hi" {
		t.Errorf("subject: got %q", got.Subject)
	}
}

func TestResendDeliver_APIErrorCarriesMessage(t *testing.T) {
	c := newFakeResend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"statusCode":422,"name":"validation_error","message":"Invalid to field"}`)
	})

	err := c.Deliver(context.Background(), Recipient{Email: "a@example.com"}, Message{Subject: "Hi", HTML: "x"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatal("an API rejection is not a timeout")
	}
	if !strings.Contains(Reason(err), "Invalid to field") {
		t.Errorf("reason should carry the API message, got %q", Reason(err))
	}
}

func TestResendDeliver_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := newFakeResend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.Deliver(ctx, Recipient{Email: "a@example.com"}, Message{Subject: "Hi", HTML: "x"})
	if Reason(err) != ErrTimeout.Error() {
		t.Errorf("expected timeout reason, got %v", err)
	}
}

func TestResendDeliver_NoRecipient(t *testing.T) {
	c := newFakeResend(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected without a recipient")
	})
	if err := c.Deliver(context.Background(), Recipient{Email: "  "}, Message{}); !errors.Is(err, ErrNoRecipient) {
		t.Errorf("got %v, want ErrNoRecipient", err)
	}
}
