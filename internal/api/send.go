package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nyashahama/massmail-backend/internal/email"
	"github.com/nyashahama/massmail-backend/internal/worker"
)

// ─── SHARED REQUEST TYPES ─────────────────────────────────────────────────────

// attachmentRequest carries file content as base64. A data-URL prefix
// ("data:application/pdf;base64,") is accepted and stripped.
type attachmentRequest struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
}

func decodeAttachments(in []attachmentRequest) ([]email.Attachment, error) {
	out := make([]email.Attachment, 0, len(in))
	for i, a := range in {
		payload := a.Content
		if _, after, ok := strings.Cut(payload, ";base64,"); ok {
			payload = after
		}
		content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			return nil, fmt.Errorf("attachments[%d].content is not valid base64", i)
		}
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		out = append(out, email.Attachment{Filename: a.Filename, Content: content, ContentType: ct})
	}
	return out, nil
}

// ─── POST /api/send/start ─────────────────────────────────────────────────────

type startSendRequest struct {
	Recipients  []email.Recipient   `json:"recipients"`
	Subject     string              `json:"subject"`
	HTML        string              `json:"html"`
	Attachments []attachmentRequest `json:"attachments"`
	Settings    worker.Settings     `json:"settings"`
}

type startSendResponse struct {
	Success            bool   `json:"success"`
	JobID              string `json:"jobId"`
	Total              int    `json:"total"`
	Skipped            int    `json:"skipped"`
	EstimatedSeconds   int64  `json:"estimatedSeconds"`
	Estimate           string `json:"estimate"`
	RecommendedDelayMs int64  `json:"recommendedDelayMs,omitempty"`
}

// handleStartSend validates the job, filters it against the send history and
// starts it in the background. It returns as soon as the job is accepted.
func (s *Server) handleStartSend(w http.ResponseWriter, r *http.Request) {
	var req startSendRequest
	if !s.decode(w, r, &req) {
		return
	}

	attachments, err := decodeAttachments(req.Attachments)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := s.jobs.Start(r.Context(), worker.StartRequest{
		Recipients:  req.Recipients,
		Subject:     req.Subject,
		HTML:        req.HTML,
		Attachments: attachments,
		Settings:    req.Settings,
	})
	switch {
	case errors.Is(err, worker.ErrInvalidRequest):
		respondErr(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), worker.ErrInvalidRequest.Error()+": "))
		return
	case errors.Is(err, worker.ErrAlreadyRunning):
		respondErr(w, http.StatusConflict, "a send job is already running")
		return
	case err != nil:
		s.respondInternalErr(w, r, fmt.Errorf("start send: %w", err))
		return
	}

	s.logger.Info("api: send started",
		"job_id", st.JobID,
		"total", st.Total,
		"skipped", st.Skipped,
		logField(r),
	)

	respond(w, http.StatusAccepted, startSendResponse{
		Success:            true,
		JobID:              st.JobID,
		Total:              st.Total,
		Skipped:            st.Skipped,
		EstimatedSeconds:   st.EstimatedSeconds,
		Estimate:           st.Estimate,
		RecommendedDelayMs: st.RecommendedDelayMs,
	})
}

// ─── GET /api/send/status ─────────────────────────────────────────────────────

func (s *Server) handleSendStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.jobs.Status())
}

// ─── POST /api/send/stop ──────────────────────────────────────────────────────

// handleStopSend flags the running job. It does not wait for it to halt;
// callers keep polling status until running is false.
func (s *Server) handleStopSend(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Stop(); err != nil {
		if errors.Is(err, worker.ErrNoActiveJob) {
			respondErr(w, http.StatusConflict, "no active send job")
			return
		}
		s.respondInternalErr(w, r, fmt.Errorf("stop send: %w", err))
		return
	}
	respond(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "stopping after the current group",
	})
}
