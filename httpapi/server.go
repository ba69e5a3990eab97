package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/agentrelay/broker"
	"github.com/hupe1980/agentrelay/dispatch"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/monitor"
)

// Default list limits.
const (
	DefaultFailureLimit = monitor.SummaryFailureLimit
	DefaultHistoryLimit = 50
	MaxLimit            = 1000
)

// Chatter runs one chat turn in a session.
type Chatter interface {
	Chat(ctx context.Context, sessionID, text string) (*dispatch.Result, error)
}

// Options configures the handler.
type Options struct {
	// Gatherer backs /metrics (defaults to prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer
	// Chatter enables POST /sessions/{id}/messages.
	Chatter Chatter
	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

type api struct {
	broker *broker.Broker
	mon    *monitor.Monitor
	opts   Options
	log    logging.Logger
}

// NewHandler builds the router.
func NewHandler(b *broker.Broker, mon *monitor.Monitor, optFns ...func(o *Options)) http.Handler {
	opts := Options{Gatherer: prometheus.DefaultGatherer}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	a := &api{broker: b, mon: mon, opts: opts, log: logging.OrNop(opts.Logger)}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	r.HandleFunc("/stats", a.stats).Methods(http.MethodGet)
	r.HandleFunc("/summary", a.summary).Methods(http.MethodGet)
	r.HandleFunc("/traces/{id}", a.trace).Methods(http.MethodGet)
	r.HandleFunc("/failures", a.failures).Methods(http.MethodGet)
	r.HandleFunc("/history", a.history).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	if opts.Chatter != nil {
		r.HandleFunc("/sessions/{id}/messages", a.chat).Methods(http.MethodPost)
	}

	return r
}

// NewServer wraps the handler in an *http.Server with conservative timeouts.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"capabilities": len(a.broker.Registered()),
	})
}

func (a *api) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.broker.Stats())
}

func (a *api) summary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.mon.Summary())
}

func (a *api) trace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	t, ok := a.mon.GetTrace(id)
	if !ok {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}

	writeJSON(w, http.StatusOK, t)
}

func (a *api) failures(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, DefaultFailureLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, a.mon.RecentFailures(limit))
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, DefaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, a.broker.History(limit))
}

type chatRequest struct {
	Text string `json:"text"`
}

type chatResponse struct {
	Answer      string `json:"answer"`
	Rounds      int    `json:"rounds"`
	OracleCalls int    `json:"oracle_calls"`
	Forced      bool   `json:"forced"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

func (a *api) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"text\": \"...\"}")
		return
	}

	sid := mux.Vars(r)["id"]

	res, err := a.opts.Chatter.Chat(r.Context(), sid, req.Text)
	if err != nil {
		a.log.Error("httpapi.chat.error", "session_id", sid, "error", err.Error())
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	out := chatResponse{
		Answer:      res.Answer,
		Rounds:      res.Rounds,
		OracleCalls: res.OracleCalls,
		Forced:      res.Forced,
		DurationMS:  res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	writeJSON(w, http.StatusOK, out)
}

type badLimit string

func (e badLimit) Error() string { return "invalid limit " + strconv.Quote(string(e)) }

func limitParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badLimit(raw)
	}

	if n > MaxLimit {
		n = MaxLimit
	}

	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
