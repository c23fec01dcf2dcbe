package api

import (
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-shadow/internal/agent"
	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// LocalStateResponse is the device's locally applied state.
type LocalStateResponse struct {
	Thing  string      `json:"thing"`
	Shadow string      `json:"shadow,omitempty"`
	State  agent.State `json:"state"`
}

// ReportRequest is the body of POST /local/report.
type ReportRequest struct {
	State agent.State `json:"state"`
}

// LocalStatsResponse exposes the agent's reconcile counters.
type LocalStatsResponse struct {
	DeltasApplied  int    `json:"deltas_applied"`
	ApplyFailures  int    `json:"apply_failures"`
	ReportFailures int    `json:"report_failures"`
	LastVersion    uint64 `json:"last_version"`
	LastReconcile  string `json:"last_reconcile,omitempty"`
}

// handleLocalState returns the state the device has applied.
func (s *Server) handleLocalState(w http.ResponseWriter, r *http.Request) {
	state, err := s.agent.State(r.Context())
	if err != nil {
		s.logger.Error("failed to load local state", "error", err)
		writeInternalError(w, "failed to load local state")
		return
	}

	id := s.agent.Identity()
	writeJSON(w, http.StatusOK, LocalStateResponse{
		Thing:  id.ThingName,
		Shadow: id.ShadowName,
		State:  state,
	})
}

// handleLocalReport stores device-originated values and reports them.
// A null value removes the key locally and from the reported state.
func (s *Server) handleLocalReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.State) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "state is required")
		return
	}
	shadow.NormalizeNumbers(map[string]any(req.State))

	if err := s.agent.Report(r.Context(), req.State); err != nil {
		s.logger.Warn("local report failed", "error", err)
		writeShadowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "reported",
		"keys":   len(req.State),
	})
}

// handleLocalSync fetches the shadow and reconciles its pending delta.
func (s *Server) handleLocalSync(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Sync(r.Context()); err != nil {
		s.logger.Warn("manual shadow sync failed", "error", err)
		writeShadowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "synced"})
}

// handleLocalStats returns the agent's reconcile counters.
func (s *Server) handleLocalStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, localStats(s.agent.Stats()))
}

func localStats(st agent.Stats) LocalStatsResponse {
	resp := LocalStatsResponse{
		DeltasApplied:  st.DeltasApplied,
		ApplyFailures:  st.ApplyFailures,
		ReportFailures: st.ReportFailures,
		LastVersion:    st.LastVersion,
	}
	if !st.LastReconcile.IsZero() {
		resp.LastReconcile = st.LastReconcile.UTC().Format(time.RFC3339)
	}
	return resp
}
