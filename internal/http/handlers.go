package httpx

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/shortontech/reqwatch/internal/analysis"
	"github.com/shortontech/reqwatch/internal/event"
	"github.com/shortontech/reqwatch/internal/logging"
	"github.com/shortontech/reqwatch/internal/store"
	"github.com/shortontech/reqwatch/pkg/config"
)

const defaultLogsLimit = 100

// Env carries the dependencies shared by the handlers.
type Env struct {
	Cfg   config.ServerConfig
	Store *store.Store
	Queue Enqueuer         // fed by the capture middleware; may be nil
	Ready func() error     // optional readiness probe
	Now   func() time.Time // defaults to time.Now
}

type logResponse struct {
	Success    bool     `json:"success"`
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons"`
}

type logsResponse struct {
	Success bool             `json:"success"`
	Count   int              `json:"count"`
	Logs    []event.LogEntry `json:"logs"`
}

type analysisResponse struct {
	Success  bool            `json:"success"`
	Analysis analysis.Report `json:"analysis"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type requestBody struct {
	Fingerprint string `json:"fingerprint"`
	Path        string `json:"path"`
	Type        string `json:"type"`
}

type formBody struct {
	Fingerprint string          `json:"fingerprint"`
	FormName    string          `json:"formName"`
	FormData    json.RawMessage `json:"formData"`
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if e.Ready != nil {
		if err := e.Ready(); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// LogRequest handles POST /api/log/request. It logs a page view or other client-reported request.
func (e Env) LogRequest(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if !e.decode(w, r, &body) {
		return
	}

	entry := e.metadata(r).Entry(event.TypePageView)
	if body.Type != "" {
		entry.Type = body.Type
	}
	if body.Path != "" {
		entry.Path = body.Path
	}
	if body.Fingerprint != "" {
		entry.Fingerprint = body.Fingerprint
	}

	stored := e.Store.StoreLog(r.Context(), entry)
	writeJSON(w, http.StatusOK, logResponse{Success: true, Suspicious: stored.Suspicious, Reasons: stored.Reasons})
}

// LogForm handles POST /api/log/form. It logs a form submission. Only field names are kept.
func (e Env) LogForm(w http.ResponseWriter, r *http.Request) {
	var body formBody
	if !e.decode(w, r, &body) {
		return
	}

	formData, err := event.ReduceFormData(body.FormData)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid formData")
		return
	}

	entry := e.metadata(r).Entry(event.TypeFormSubmission)
	entry.FormName = event.Unknown
	if body.FormName != "" {
		entry.FormName = body.FormName
	}
	if body.Fingerprint != "" {
		entry.Fingerprint = body.Fingerprint
	}
	entry.FormData = formData

	stored := e.Store.StoreLog(r.Context(), entry)
	writeJSON(w, http.StatusOK, logResponse{Success: true, Suspicious: stored.Suspicious, Reasons: stored.Reasons})
}

// GET /api/logs?limit=&suspicious=true&ip=
func (e Env) Logs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var logs []event.LogEntry
	if ip := q.Get("ip"); ip != "" {
		logs = e.Store.GetLogsByIP(ip)
	} else {
		limit := defaultLogsLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid limit")
				return
			}
			limit = n
		}
		logs = e.Store.GetLogs(limit, q.Get("suspicious") == "true")
	}

	writeJSON(w, http.StatusOK, logsResponse{Success: true, Count: len(logs), Logs: logs})
}

// GET /api/attack-analysis
func (e Env) AttackAnalysis(w http.ResponseWriter, r *http.Request) {
	report := analysis.Analyze(e.Store.GetLogs(analysis.SnapshotSize, false))
	writeJSON(w, http.StatusOK, analysisResponse{Success: true, Analysis: report})
}

// metadata returns what the capture middleware extracted, or extracts it now
// when the handler is mounted without the middleware.
func (e Env) metadata(r *http.Request) event.Metadata {
	if md, ok := MetadataFrom(r.Context()); ok {
		return md
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return event.Extract(r, now())
}

// decode reads a capped JSON body into v. An empty body decodes to the zero
// value. On failure it writes the error response and returns false.
func (e Env) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := e.Cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if len(data) == 0 {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("encode response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":"Internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}
