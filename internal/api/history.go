package api

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"

	"github.com/nyashahama/massmail-backend/internal/history"
)

// ─── GET /api/history ─────────────────────────────────────────────────────────

// handleExportHistory streams the ledger as text, one record per line, in
// the same tab-separated format the file ledger uses.
func (s *Server) handleExportHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="send_history.log"`)

	bw := bufio.NewWriter(w)
	wrote := false
	err := s.ledger.List(r.Context(), func(e history.Entry) error {
		wrote = true
		_, err := fmt.Fprintln(bw, history.FormatLine(e))
		return err
	})
	if err != nil {
		if !wrote {
			s.respondInternalErr(w, r, fmt.Errorf("export history: %w", err))
			return
		}
		// Headers are gone; the truncated body is all we can do.
		s.logger.Error("api: history export interrupted", "error", err, logField(r))
	}
	_ = bw.Flush()
}

// ─── GET /api/history/contains ────────────────────────────────────────────────

type historyContainsResponse struct {
	Email string `json:"email"`
	Sent  bool   `json:"sent"`
}

func (s *Server) handleHistoryContains(w http.ResponseWriter, r *http.Request) {
	addr := history.Normalize(r.URL.Query().Get("email"))
	if addr == "" || !strings.Contains(addr, "@") {
		respondErr(w, http.StatusBadRequest, "email query parameter is required")
		return
	}

	sent, err := s.ledger.Contains(r.Context(), addr)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("history contains: %w", err))
		return
	}
	respond(w, http.StatusOK, historyContainsResponse{Email: addr, Sent: sent})
}
