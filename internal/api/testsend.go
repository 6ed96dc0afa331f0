package api

import (
	"context"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/nyashahama/massmail-backend/internal/email"
	"github.com/nyashahama/massmail-backend/internal/history"
	"github.com/nyashahama/massmail-backend/internal/metrics"
)

// ─── POST /api/send-email ─────────────────────────────────────────────────────

type testSendRequest struct {
	To          string              `json:"to"`
	FirstName   string              `json:"firstName"`
	LastName    string              `json:"lastName"`
	Subject     string              `json:"subject"`
	HTML        string              `json:"html"`
	Attachments []attachmentRequest `json:"attachments"`
}

type testSendResponse struct {
	Success   bool   `json:"success"`
	Recipient string `json:"recipient"`
}

// handleTestSend delivers one message synchronously, outside the send
// pipeline. It is how an operator checks the composition before a mass send.
func (s *Server) handleTestSend(w http.ResponseWriter, r *http.Request) {
	var req testSendRequest
	if !s.decode(w, r, &req) {
		return
	}

	addr, err := mail.ParseAddress(strings.TrimSpace(req.To))
	if err != nil {
		respondErr(w, http.StatusBadRequest, "to must be a valid email address")
		return
	}
	if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.HTML) == "" {
		respondErr(w, http.StatusBadRequest, "subject and html are required")
		return
	}
	attachments, err := decodeAttachments(req.Attachments)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}

	to := email.Recipient{Email: addr.Address, FirstName: req.FirstName, LastName: req.LastName}
	msg := email.Prepare(email.Message{Subject: req.Subject, HTML: req.HTML, Attachments: attachments})

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.DeliveryTimeout)
	defer cancel()

	transport := s.mailer.Name()
	started := time.Now()
	err = s.mailer.Deliver(ctx, to, msg)
	metrics.DeliveryDuration.WithLabelValues(transport).Observe(time.Since(started).Seconds())

	if err != nil {
		reason := email.Reason(err)
		outcome := metrics.OutcomeFailure
		if reason == email.ErrTimeout.Error() {
			outcome = metrics.OutcomeTimeout
		}
		metrics.Deliveries.WithLabelValues(transport, outcome).Inc()
		s.logger.Warn("api: test send failed", "recipient", to.Email, "error", err, logField(r))
		respondErr(w, http.StatusBadGateway, reason)
		return
	}
	metrics.Deliveries.WithLabelValues(transport, metrics.OutcomeSuccess).Inc()
	s.logger.Info("api: test send delivered", "recipient", to.Email, logField(r))

	if s.cfg.TestSendRecordsHistory {
		err := s.ledger.Record(context.WithoutCancel(r.Context()), history.Entry{
			Email:     to.Email,
			FirstName: to.FirstName,
			LastName:  to.LastName,
		})
		if err != nil {
			metrics.HistoryWriteFailures.Inc()
			s.logger.Warn("api: test send history write failed", "recipient", to.Email, "error", err, logField(r))
		}
	}

	respond(w, http.StatusOK, testSendResponse{Success: true, Recipient: to.Email})
}
