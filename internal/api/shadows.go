package api

import (
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// Name limits of the shadow service.
const (
	maxThingNameLength  = 128
	maxShadowNameLength = 64
)

// Bounds on the ?timeout= query parameter. A request may wait at most
// maxTimeoutFactor times the server's request timeout, or maxRequestTimeout
// when the server leaves the timeout to the session.
const (
	maxTimeoutFactor  = 4
	maxRequestTimeout = 2 * time.Minute
)

// namePattern matches thing and shadow names the service accepts.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9:_-]+$`)

// ShadowView is the JSON representation of a shadow document.
type ShadowView struct {
	Thing       string         `json:"thing"`
	Shadow      string         `json:"shadow,omitempty"`
	Version     uint64         `json:"version"`
	Timestamp   uint64         `json:"timestamp,omitempty"`
	State       map[string]any `json:"state,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ClientToken string         `json:"client_token,omitempty"`
}

// UpdateShadowRequest is the body of PATCH /shadows/{thing}.
type UpdateShadowRequest struct {
	Desired  map[string]any `json:"desired"`
	Reported map[string]any `json:"reported"`

	// Version makes the update conditional on the shadow's current version.
	Version uint64 `json:"version,omitempty"`
}

// VersionResponse is the body of GET /shadows/{thing}/version.
type VersionResponse struct {
	Thing   string `json:"thing"`
	Shadow  string `json:"shadow,omitempty"`
	Version uint64 `json:"version"`
}

func newShadowView(id shadow.Identity, doc *shadow.Document) ShadowView {
	return ShadowView{
		Thing:       id.ThingName,
		Shadow:      id.ShadowName,
		Version:     doc.Version,
		Timestamp:   doc.Timestamp,
		State:       doc.State,
		Metadata:    doc.Metadata,
		ClientToken: doc.ClientToken,
	}
}

// handleGetShadow fetches the current shadow document.
func (s *Server) handleGetShadow(w http.ResponseWriter, r *http.Request) {
	id, timeout, ok := s.shadowRequest(w, r)
	if !ok {
		return
	}

	doc, err := s.session.Get(r.Context(), id, timeout)
	if err != nil {
		s.logger.Debug("shadow get failed", "shadow", id.String(), "error", err)
		writeShadowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newShadowView(id, doc))
}

// handleUpdateShadow sends a partial desired/reported state.
func (s *Server) handleUpdateShadow(w http.ResponseWriter, r *http.Request) {
	id, timeout, ok := s.shadowRequest(w, r)
	if !ok {
		return
	}

	var req UpdateShadowRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Desired) == 0 && len(req.Reported) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "desired or reported must contain at least one key")
		return
	}
	shadow.NormalizeNumbers(req.Desired)
	shadow.NormalizeNumbers(req.Reported)

	doc, err := s.session.Update(r.Context(), id, shadow.Patch{
		Desired:  req.Desired,
		Reported: req.Reported,
		Version:  req.Version,
	}, timeout)
	if err != nil {
		s.logger.Debug("shadow update failed", "shadow", id.String(), "error", err)
		writeShadowError(w, err)
		return
	}

	s.logger.Info("shadow updated via API", "shadow", id.String(), "version", doc.Version)
	writeJSON(w, http.StatusOK, newShadowView(id, doc))
}

// handleDeleteShadow removes the shadow.
func (s *Server) handleDeleteShadow(w http.ResponseWriter, r *http.Request) {
	id, timeout, ok := s.shadowRequest(w, r)
	if !ok {
		return
	}

	if err := s.session.Delete(r.Context(), id, timeout); err != nil {
		s.logger.Debug("shadow delete failed", "shadow", id.String(), "error", err)
		writeShadowError(w, err)
		return
	}

	s.logger.Info("shadow deleted via API", "shadow", id.String())
	w.WriteHeader(http.StatusNoContent)
}

// handleShadowVersion returns the last version the session has seen.
// It does not contact the service.
func (s *Server) handleShadowVersion(w http.ResponseWriter, r *http.Request) {
	id, _, ok := s.shadowRequest(w, r)
	if !ok {
		return
	}

	version, known := s.session.Version(id)
	if !known {
		writeNotFound(w, "no version known for "+id.String())
		return
	}

	writeJSON(w, http.StatusOK, VersionResponse{
		Thing:   id.ThingName,
		Shadow:  id.ShadowName,
		Version: version,
	})
}

// shadowRequest extracts and validates the shadow identity and the optional
// ?timeout= duration, which is capped by maxTimeout. It writes the error response itself when ok is false.
func (s *Server) shadowRequest(w http.ResponseWriter, r *http.Request) (id shadow.Identity, timeout time.Duration, ok bool) {
	id = shadow.Named(chi.URLParam(r, "thing"), r.URL.Query().Get("name"))
	if err := validateIdentity(id); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return id, 0, false
	}

	timeout = s.timeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeBadRequest(w, "timeout must be a positive duration such as 5s")
			return id, 0, false
		}
		if limit := s.maxTimeout(); d > limit {
			writeBadRequest(w, fmt.Sprintf("timeout must not exceed %s", limit))
			return id, 0, false
		}
		timeout = d
	}
	return id, timeout, true
}

// maxTimeout is the longest ?timeout= a request may ask for.
func (s *Server) maxTimeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout * maxTimeoutFactor
	}
	return maxRequestTimeout
}

// validateIdentity checks names against the service's naming rules.
func validateIdentity(id shadow.Identity) error {
	if len(id.ThingName) > maxThingNameLength || !namePattern.MatchString(id.ThingName) {
		return fmt.Errorf("invalid thing name %q", id.ThingName)
	}
	if id.ShadowName == "" {
		return nil
	}
	if len(id.ShadowName) > maxShadowNameLength || !namePattern.MatchString(id.ShadowName) {
		return fmt.Errorf("invalid shadow name %q", id.ShadowName)
	}
	return nil
}
