package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haukened/rr-rulesync/internal/rulesync/common/clock"
	"github.com/haukened/rr-rulesync/internal/rulesync/common/log"
	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/lookup"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/synchronizer"
)

var (
	_ Sweeper = (*synchronizer.Synchronizer)(nil)
	_ Lookup  = (*lookup.Service)(nil)
)

const requestTimeout = 30 * time.Second

// Sweeper is the part of the synchronizer the admin surface drives.
type Sweeper interface {
	RunSweep(ctx context.Context, now time.Time) synchronizer.Report
	LastReport() (synchronizer.Report, bool)
}

// Lookup answers live queries against the published rule snapshot.
type Lookup interface {
	Resolve(name string, now time.Time) (domain.EffectiveDecision, bool)
	Candidates(name string, now time.Time) []domain.Rule
}

type Options struct {
	Sweeper  Sweeper
	Lookup   Lookup
	Clock    clock.Clock
	Logger   log.Logger
	Gatherer prometheus.Gatherer
	// Token guards mutating endpoints. When empty they always answer 401.
	Token string
}

type api struct {
	sync   Sweeper
	lookup Lookup
	clock  clock.Clock
	logger log.Logger
	token  string
}

type candidate struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	Pattern  string        `json:"pattern"`
	Action   domain.Action `json:"action"`
	Priority int           `json:"priority"`
}

type resolveResponse struct {
	Domain         string      `json:"domain"`
	Action         string      `json:"action"`
	RedirectTarget string      `json:"redirect_target,omitempty"`
	SourceRuleID   string      `json:"source_rule_id,omitempty"`
	Candidates     []candidate `json:"candidates"`
	At             time.Time   `json:"at"`
}

// NewRouter builds the admin HTTP surface.
func NewRouter(opts Options) http.Handler {
	a := &api{
		sync:   opts.Sweeper,
		lookup: opts.Lookup,
		clock:  opts.Clock,
		logger: opts.Logger,
		token:  opts.Token,
	}
	if a.clock == nil {
		a.clock = &clock.RealClock{}
	}
	if a.logger == nil {
		a.logger = log.NewNoopLogger()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Timeout(requestTimeout))
	r.Get("/api/health", a.health)
	r.Get("/api/resolve", a.resolve)
	r.Get("/api/sweeps/last", a.lastSweep)
	r.Group(func(pr chi.Router) {
		pr.Use(a.auth)
		pr.Post("/api/sweeps", a.triggerSweep)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func (a *api) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		given, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || a.token == "" || subtle.ConstantTimeCompare([]byte(given), []byte(a.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) resolve(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("domain"))
	if name == "" {
		http.Error(w, "missing domain parameter", http.StatusBadRequest)
		return
	}
	if a.lookup == nil {
		http.Error(w, "lookup unavailable", http.StatusServiceUnavailable)
		return
	}
	now := a.clock.Now()
	resp := resolveResponse{Domain: name, Action: "none", Candidates: []candidate{}, At: now}
	if d, ok := a.lookup.Resolve(name, now); ok {
		resp.Domain = d.Domain
		resp.Action = d.Action.String()
		resp.RedirectTarget = d.RedirectTarget
		resp.SourceRuleID = d.SourceRuleID
	}
	for _, rule := range a.lookup.Candidates(name, now) {
		resp.Candidates = append(resp.Candidates, candidate{
			ID:       rule.ID,
			Name:     rule.Name,
			Pattern:  rule.Pattern.String(),
			Action:   rule.Action,
			Priority: rule.Priority,
		})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *api) lastSweep(w http.ResponseWriter, r *http.Request) {
	report, ok := a.sync.LastReport()
	if !ok {
		http.Error(w, "no sweep has completed yet", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, report)
}

func (a *api) triggerSweep(w http.ResponseWriter, r *http.Request) {
	report := a.sync.RunSweep(r.Context(), a.clock.Now())
	status := http.StatusOK
	if report.Skipped {
		status = http.StatusConflict
	}
	a.logger.Info(map[string]any{
		"request_id": middleware.GetReqID(r.Context()),
		"skipped":    report.Skipped,
	}, "Sweep requested over HTTP")
	a.writeJSON(w, status, report)
}

// writeJSON encodes v before committing status so an encoding failure can
// still be reported as a 500.
func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		a.logger.Error(map[string]any{"error": err}, "Failed to encode response")
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
