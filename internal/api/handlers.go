package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"

	"github.com/sells-group/facility-locator/internal/engine"
	"github.com/sells-group/facility-locator/internal/model"
)

const maxBodyBytes = 4 << 20

type startBatchRequest struct {
	Queries []engine.QueryInput `json:"queries"`
}

type reviewRequest struct {
	Action   model.ReviewAction `json:"action"`
	Lat      *float64           `json:"lat,omitempty"`
	Lng      *float64           `json:"lng,omitempty"`
	Notes    string             `json:"notes,omitempty"`
	Reviewer string             `json:"reviewer"`
}

type reopenRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if s.opts.MaxBatchSize > 0 && len(req.Queries) > s.opts.MaxBatchSize {
		writeError(w, r, badRequest("batch of %d queries exceeds the limit of %d", len(req.Queries), s.opts.MaxBatchSize))
		return
	}

	id, err := s.svc.StartBatch(r.Context(), req.Queries)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"batch_id": id, "total": len(req.Queries)})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id, "status": "cancelling"})
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.svc.Failures(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if failures == nil {
		failures = []model.FailedJob{}
	}
	writeJSON(w, http.StatusOK, failures)
}

// handleResultsGeoJSON exports one point per query that has a coordinate:
// the final coordinate when decided, else the recommended one.
func (s *Server) handleResultsGeoJSON(w http.ResponseWriter, r *http.Request) {
	recs, err := s.svc.BatchResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	fc := geojson.NewFeatureCollection()
	for _, rec := range recs {
		if f := recordFeature(rec); f != nil {
			fc.Append(f)
		}
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		writeError(w, r, eris.Wrap(err, "api: marshal geojson"))
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

func recordFeature(rec model.Record) *geojson.Feature {
	v := rec.Validation
	if v == nil {
		return nil
	}
	c, final := v.Final, true
	if c == nil {
		c, final = v.Recommended, false
	}
	if c == nil {
		return nil
	}

	f := geojson.NewFeature(orb.Point{c.Lng, c.Lat})
	f.ID = rec.Query.ID
	f.Properties["query_id"] = rec.Query.ID
	f.Properties["name"] = rec.Query.Name
	if rec.Query.Country != "" {
		f.Properties["country"] = rec.Query.Country
	}
	f.Properties["status"] = string(v.Status)
	f.Properties["confidence_score"] = v.ConfidenceScore
	f.Properties["confidence_level"] = v.ConfidenceLevel
	f.Properties["final"] = final
	if v.RecommendedSource != "" {
		f.Properties["recommended_source"] = string(v.RecommendedSource)
	}
	if final && v.FinalOrigin != "" {
		f.Properties["final_origin"] = string(v.FinalOrigin)
	}
	return f
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history, err := s.svc.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(history) == 0 {
		// Distinguish an unknown query from one that has not finished yet.
		if _, err := s.svc.Result(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		history = []model.ValidationResult{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	d := model.ReviewDecision{
		Action:   model.ReviewAction(strings.ToLower(string(req.Action))),
		Notes:    req.Notes,
		Reviewer: strings.TrimSpace(req.Reviewer),
	}
	switch {
	case req.Lat != nil && req.Lng != nil:
		d.Manual = &model.Coordinate{Lat: *req.Lat, Lng: *req.Lng}
	case req.Lat != nil || req.Lng != nil:
		writeError(w, r, badRequest("lat and lng must be given together"))
		return
	}
	if d.Action != model.ReviewApprove && d.Action != model.ReviewReject {
		writeError(w, r, badRequest("action must be approve or reject, got %q", req.Action))
		return
	}

	v, err := s.svc.SubmitReview(r.Context(), chi.URLParam(r, "id"), d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	var req reopenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	batchID, err := s.svc.Reopen(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Actor))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
