package api

import (
	"encoding/json"
	"net/http"
	"time"

	"ashare-copilot/database"
	"ashare-copilot/engine"
)

// triggerRequest is the POST body for /api/analysis/trigger
type triggerRequest struct {
	ReportKind string `json:"report_kind"`
	Date       string `json:"date"`
	Subject    string `json:"subject,omitempty"`
	ForceRerun bool   `json:"force_rerun,omitempty"`
}

// analysisResponse is the envelope shared by the trigger and query
// endpoints. On trigger, Cached is true only when a READY report was
// served without starting a run; on query, when the record came out of
// the read cache.
type analysisResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Cached  bool        `json:"cached"`
	Status  string      `json:"status,omitempty"`
	Result  *reportView `json:"result,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, code int, resp analysisResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// reportView is the read-side shape of a report record. Score, narrative
// and validation come through as the stored JSON documents.
type reportView struct {
	ReportKind  string          `json:"report_kind"`
	DisplayName string          `json:"display_name"`
	Date        string          `json:"date"`
	Subject     string          `json:"subject,omitempty"`
	Status      string          `json:"status"`
	Score       json.RawMessage `json:"score,omitempty"`
	Narrative   json.RawMessage `json:"narrative,omitempty"`
	Validation  json.RawMessage `json:"validation,omitempty"`
	Signals     []string        `json:"signals,omitempty"`
	ErrorReason string          `json:"error_reason,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func viewFromRecord(rec *database.ReportRecord) *reportView {
	kind := database.ReportKind(rec.ReportKind)
	return &reportView{
		ReportKind:  rec.ReportKind,
		DisplayName: kind.DisplayName(),
		Date:        rec.ReportDate,
		Subject:     rec.Subject,
		Status:      rec.Status,
		Score:       json.RawMessage(rec.Score),
		Narrative:   json.RawMessage(rec.Narrative),
		Validation:  json.RawMessage(rec.Validation),
		Signals:     rec.Signals,
		ErrorReason: rec.ErrorReason,
		UpdatedAt:   rec.UpdatedAt,
		CompletedAt: rec.CompletedAt,
	}
}

// handleTriggerAnalysis starts or short-circuits an analysis run
func (s *Server) handleTriggerAnalysis(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	key := database.ReportKey{
		Kind:    database.ReportKind(req.ReportKind),
		Date:    req.Date,
		Subject: req.Subject,
	}

	out, err := s.engine.Trigger(r.Context(), key, req.ForceRerun)
	if err != nil {
		if database.IsValidation(err) {
			writeEnvelope(w, http.StatusBadRequest, analysisResponse{Message: err.Error()})
			return
		}
		respondWithError(w, http.StatusInternalServerError, "trigger failed", err)
		return
	}

	switch out.Status {
	case engine.TriggerCached:
		writeEnvelope(w, http.StatusOK, analysisResponse{
			Success: true,
			Message: "report served from completed analysis",
			Cached:  true,
			Status:  out.Record.Status,
			Result:  viewFromRecord(out.Record),
		})
	case engine.TriggerAccepted:
		writeEnvelope(w, http.StatusAccepted, analysisResponse{
			Success: true,
			Message: "analysis started, poll the query endpoint for the result",
			Status:  string(database.StatusPending),
		})
	default: // IN_PROGRESS
		writeEnvelope(w, http.StatusAccepted, analysisResponse{
			Success: true,
			Message: "analysis already running for this report",
			Status:  string(database.StatusRunning),
		})
	}
}

// handleQueryReport returns the current record for one report key
func (s *Server) handleQueryReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := database.ReportKey{
		Kind:    database.ReportKind(q.Get("report_kind")),
		Date:    q.Get("date"),
		Subject: q.Get("subject"),
	}

	rec, fromCache, err := s.engine.Query(r.Context(), key)
	if err != nil {
		switch {
		case database.IsValidation(err):
			writeEnvelope(w, http.StatusBadRequest, analysisResponse{Message: err.Error()})
		case database.IsNotFound(err):
			writeEnvelope(w, http.StatusNotFound, analysisResponse{Message: "no report for this key"})
		default:
			respondWithError(w, http.StatusInternalServerError, "query failed", err)
		}
		return
	}

	message := "analysis in progress"
	switch database.ReportStatus(rec.Status) {
	case database.StatusReady:
		message = "report ready"
	case database.StatusFailed:
		message = "analysis failed"
	}
	writeEnvelope(w, http.StatusOK, analysisResponse{
		Success: true,
		Message: message,
		Cached:  fromCache,
		Status:  rec.Status,
		Result:  viewFromRecord(rec),
	})
}

// handleListReports returns recent reports, optionally filtered by kind
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var kind database.ReportKind
	if k := q.Get("report_kind"); k != "" {
		parsed, err := database.ParseReportKind(k)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		kind = parsed
	}

	minLimit, maxLimit := 1, 200
	limit := getIntParam(r, "limit", 50, &minLimit, &maxLimit)

	records, err := s.engine.List(r.Context(), kind, limit)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "listing failed", err)
		return
	}

	views := make([]*reportView, 0, len(records))
	for i := range records {
		views = append(views, viewFromRecord(&records[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":   len(views),
		"reports": views,
	})
}

// handleHealth returns the health status of the API
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
