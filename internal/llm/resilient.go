package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const exhaustedApology = "I'm having trouble reaching my language model right now. Please try again in a moment."

// Provider is one entry in a failover chain: a client plus the model it
// should be asked for.
type Provider struct {
	Name   string
	Client Client
	Model  string
}

// Health tracks circuit breaker state for one provider. Failures is
// the consecutive-failure counter driving the breaker; TotalCalls and
// TotalErrors are lifetime counts for observability.
type Health struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	TotalCalls  int       `json:"total_calls"`
	TotalErrors int       `json:"total_errors"`
}

// Resilient wraps an ordered provider chain with per-provider circuit
// breakers. A provider that fails maxFailures times in a row is skipped
// until cooldown has elapsed since its last failure, after which one
// probe request is allowed through. Chat never returns an error: when
// the whole chain is down the caller gets an apology response with
// FinishReason set to FinishError.
type Resilient struct {
	providers   []Provider
	maxFailures int
	cooldown    time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	health  map[string]*Health
	current string // provider that served the last successful call
}

// NewResilient builds a failover chain. Providers are tried in order.
func NewResilient(providers []Provider, maxFailures int, cooldown time.Duration, logger *slog.Logger) *Resilient {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	health := make(map[string]*Health, len(providers))
	for _, p := range providers {
		health[p.Name] = &Health{}
	}
	return &Resilient{
		providers:   providers,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		logger:      logger.With("component", "resilient"),
		health:      health,
	}
}

// Chat tries each available provider in order until one succeeds. A
// req.Model override applies to the first provider only; fallbacks use
// their configured models.
func (r *Resilient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	for i, p := range r.providers {
		if !r.available(p.Name) {
			r.logger.Debug("skipping provider, circuit open", "provider", p.Name)
			continue
		}

		attempt := req
		attempt.Model = p.Model
		if i == 0 && req.Model != "" {
			attempt.Model = req.Model
		}

		resp, err := p.Client.Chat(ctx, attempt)
		if err != nil || (resp != nil && resp.FinishReason == FinishError) {
			r.recordFailure(p.Name, err)
			continue
		}

		r.recordSuccess(p.Name)
		return resp, nil
	}

	r.logger.Error("all providers unavailable", "providers", len(r.providers))
	return &ChatResponse{
		Content:      exhaustedApology,
		FinishReason: FinishError,
	}, nil
}

// available reports whether the provider's circuit allows a request.
// Closed circuit: always. Open circuit: only once cooldown has elapsed
// since the last failure, letting a single probe through (half-open).
func (r *Resilient) available(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.health[name]
	if h == nil || h.Failures < r.maxFailures {
		return true
	}
	return time.Since(h.LastFailure) >= r.cooldown
}

func (r *Resilient) recordFailure(name string, err error) {
	r.mu.Lock()
	h := r.health[name]
	if h == nil {
		h = &Health{}
		r.health[name] = h
	}
	h.Failures++
	h.LastFailure = time.Now()
	h.TotalCalls++
	h.TotalErrors++
	failures := h.Failures
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("provider failed", "provider", name, "failures", failures, "error", err)
	} else {
		r.logger.Warn("provider returned error response", "provider", name, "failures", failures)
	}
}

func (r *Resilient) recordSuccess(name string) {
	r.mu.Lock()
	if h := r.health[name]; h != nil {
		h.Failures = 0
		h.TotalCalls++
	}
	switched := r.current != "" && r.current != name
	previous := r.current
	r.current = name
	r.mu.Unlock()

	if switched {
		r.logger.Info("provider switched", "from", previous, "to", name)
	}
}

// Current returns the provider that served the most recent successful
// call, or "" before the first one.
func (r *Resilient) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// HealthStatus returns a snapshot of every provider's breaker state,
// keyed by provider name.
func (r *Resilient) HealthStatus() map[string]Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Health, len(r.health))
	for name, h := range r.health {
		out[name] = *h
	}
	return out
}
