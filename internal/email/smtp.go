package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPConfig describes the relay and the sender identity.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// ImplicitTLS dials straight into TLS (port 465). Otherwise STARTTLS is
	// used whenever the relay advertises it.
	ImplicitTLS        bool
	InsecureSkipVerify bool

	FromAddr    string
	FromName    string
	ReplyToAddr string
	ReplyToName string

	// LocalName is sent in EHLO. Default: "localhost".
	LocalName string

	// ConnectTimeout bounds dial + greeting + TLS/auth handshake. Default: 10s.
	ConnectTimeout time.Duration

	// DeliveryTimeout bounds a whole Deliver call. Default: 30s.
	DeliveryTimeout time.Duration
}

// smtpSender opens a fresh session per delivery. Messages are composed with
// gomail; the session itself is a net/smtp client on a deadline-bound
// connection so that a stalled relay can never hang a parallel group.
type smtpSender struct {
	cfg    SMTPConfig
	addr   string
	logger *slog.Logger
}

// NewSMTPSender returns a Sender that delivers through an SMTP relay.
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) Sender {
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	logger.Info("email: smtp sender configured",
		"host", cfg.Host,
		"port", cfg.Port,
		"user", cfg.Username,
		"implicit_tls", cfg.ImplicitTLS,
	)
	return &smtpSender{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		logger: logger,
	}
}

func (s *smtpSender) Name() string { return "smtp" }

// Deliver composes msg for one recipient and hands it to the relay.
func (s *smtpSender) Deliver(ctx context.Context, to Recipient, msg Message) error {
	if strings.TrimSpace(to.Email) == "" {
		return ErrNoRecipient
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	m := s.compose(to, msg)

	sess, err := s.dial(ctx)
	if err != nil {
		return s.fail(ctx, "connect", err)
	}
	defer sess.Close()

	if err := gomail.Send(sess, m); err != nil {
		return s.fail(ctx, "send", err)
	}
	return nil
}

// fail normalises timeouts to ErrTimeout. gomail flattens wrapped errors, so
// the context deadline is checked as well as the error chain.
func (s *smtpSender) fail(ctx context.Context, stage string, err error) error {
	if isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return ErrTimeout
	}
	return fmt.Errorf("smtp %s: %w", stage, err)
}

func (s *smtpSender) compose(to Recipient, msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.FromAddr, s.cfg.FromName)
	if s.cfg.ReplyToAddr != "" {
		m.SetAddressHeader("Reply-To", s.cfg.ReplyToAddr, s.cfg.ReplyToName)
	}
	m.SetAddressHeader("To", strings.TrimSpace(to.Email), to.FullName())
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+uuid.NewString()+"@"+domainOf(s.cfg.FromAddr)+">")
	m.SetBody("text/html", msg.HTML)

	for _, a := range msg.Attachments {
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(copyBytes(a.Content)),
			gomail.SetHeader(partHeader(a)),
		}
		if a.Inline() {
			m.Embed(a.Filename, settings...)
		} else {
			m.Attach(a.Filename, settings...)
		}
	}
	return m
}

func partHeader(a Attachment) map[string][]string {
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := map[string][]string{
		"Content-Type": {fmt.Sprintf("%s; name=%q", ct, a.Filename)},
	}
	if a.Inline() {
		h["Content-ID"] = []string{"<" + a.ContentID + ">"}
	}
	return h
}

func copyBytes(b []byte) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	}
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return cidDomain
}

// ─── SESSION ──────────────────────────────────────────────────────────────────

// smtpSession satisfies gomail.SendCloser for exactly one message.
type smtpSession struct {
	client *smtp.Client
	stop   func() bool
}

func (s *smtpSender) dial(ctx context.Context) (*smtpSession, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", s.addr)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}
	if s.cfg.ImplicitTLS {
		conn = tls.Client(conn, tlsCfg)
	}

	// The handshake gets the connect budget; the rest of the session runs
	// against the delivery deadline.
	handshakeDeadline, _ := dialCtx.Deadline()
	_ = conn.SetDeadline(handshakeDeadline)

	// Abort blocked I/O as soon as ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		stop()
		_ = conn.Close()
		return nil, err
	}
	sess := &smtpSession{client: c, stop: stop}

	if err := s.handshake(c, tlsCfg); err != nil {
		_ = sess.Close()
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	return sess, nil
}

func (s *smtpSender) handshake(c *smtp.Client, tlsCfg *tls.Config) error {
	if err := c.Hello(s.cfg.LocalName); err != nil {
		return err
	}
	if !s.cfg.ImplicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				return err
			}
		}
	}
	if s.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}
	return nil
}

// Send implements gomail.Sender.
func (s *smtpSession) Send(from string, to []string, msg io.WriterTo) error {
	if err := s.client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := s.client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := s.client.Data()
	if err != nil {
		return err
	}
	if _, err := msg.WriteTo(w); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Close implements gomail.SendCloser.
func (s *smtpSession) Close() error {
	s.stop()
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}
	return nil
}
