// ABOUTME: ordered provider chain with circuit cool-off and local rate buckets
// ABOUTME: soft failures walk the chain, bad input aborts it

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCooloff is how long a provider sits out after the upstream
// rate-limits it.
const DefaultCooloff = 30 * time.Second

// Observer receives chain events. Implementations must be safe for
// concurrent use; all hooks are called inline from Generate.
type Observer interface {
	ProviderFailed(name string, err error)
	FallbackUsed(primary, used string)
	CircuitOpened(name string, until time.Time)
}

// ProviderLimit pairs a provider with its client-side request budget.
type ProviderLimit struct {
	Provider Provider
	RPM      int // requests per minute; 0 disables the local bucket
}

// ProviderStatus is one provider's view in a registry snapshot.
type ProviderStatus struct {
	Name        string    `json:"name"`
	Healthy     bool      `json:"healthy"`
	CircuitOpen bool      `json:"circuit_open"`
	OpenUntil   time.Time `json:"open_until,omitzero"`
}

type entry struct {
	provider Provider
	limiter  *rate.Limiter // nil when no local budget is configured

	mu        sync.Mutex
	openUntil time.Time
}

func (e *entry) circuitOpen(now time.Time) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Before(e.openUntil) {
		return e.openUntil, true
	}
	return time.Time{}, false
}

func (e *entry) open(until time.Time) {
	e.mu.Lock()
	e.openUntil = until
	e.mu.Unlock()
}

// Registry tries providers in configured order until one answers.
// Timeouts and availability errors move on to the next provider, an
// upstream rate limit opens that provider's circuit for the cool-off
// window, and bad input aborts the walk because retrying it elsewhere
// would fail the same way.
type Registry struct {
	entries []*entry
	cooloff time.Duration
	log     *slog.Logger
	obs     Observer
	now     func() time.Time
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Cooloff  time.Duration // defaults to DefaultCooloff
	Logger   *slog.Logger
	Observer Observer
}

// NewRegistry builds a failover chain. Order of limits is the order of
// attempts; the first provider is the primary.
func NewRegistry(limits []ProviderLimit, opts RegistryOptions) (*Registry, error) {
	if len(limits) == 0 {
		return nil, errors.New("llm: at least one provider required")
	}
	if opts.Cooloff <= 0 {
		opts.Cooloff = DefaultCooloff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	entries := make([]*entry, 0, len(limits))
	for _, l := range limits {
		if l.Provider == nil {
			return nil, errors.New("llm: nil provider in chain")
		}
		e := &entry{provider: l.Provider}
		if l.RPM > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(float64(l.RPM)/60.0), l.RPM)
		}
		entries = append(entries, e)
	}

	return &Registry{
		entries: entries,
		cooloff: opts.Cooloff,
		log:     opts.Logger.With("component", "llm"),
		obs:     opts.Observer,
		now:     time.Now,
	}, nil
}

// Generate walks the chain and returns the first successful response.
// When every provider is skipped or fails, the returned error matches
// ErrExhausted and joins the per-provider causes.
func (r *Registry) Generate(ctx context.Context, req *Request) (*Response, error) {
	return r.GenerateValidated(ctx, req, nil)
}

// GenerateValidated is Generate with an acceptance check between
// providers. When accept rejects a response the walk continues to the
// next provider as if this one had failed, except the circuit stays
// closed: the upstream answered fine, we just could not use the answer.
func (r *Registry) GenerateValidated(ctx context.Context, req *Request, accept func(*Response) error) (*Response, error) {
	primary := r.entries[0].provider.Name()
	var errs []error

	for _, e := range r.entries {
		name := e.provider.Name()

		if until, open := e.circuitOpen(r.now()); open {
			errs = append(errs, fmt.Errorf("%s: circuit open until %s", name, until.Format(time.RFC3339)))
			continue
		}
		if e.limiter != nil && !e.limiter.Allow() {
			// Local budget empty is not the upstream saying no;
			// skip without touching the circuit.
			errs = append(errs, fmt.Errorf("%s: local rate budget empty", name))
			continue
		}

		resp, err := e.provider.Generate(ctx, req)
		if err == nil && accept != nil {
			if aerr := accept(resp); aerr != nil {
				err = fmt.Errorf("%s: response rejected: %w", name, aerr)
			}
		}
		if err == nil {
			if name != primary {
				r.log.Info("fallback provider served request", "provider", name, "primary", primary)
				if r.obs != nil {
					r.obs.FallbackUsed(primary, name)
				}
			}
			return resp, nil
		}

		if r.obs != nil {
			r.obs.ProviderFailed(name, err)
		}
		if errors.Is(err, ErrProviderBadInput) {
			return nil, err
		}
		if errors.Is(err, ErrProviderRateLimited) {
			until := r.now().Add(r.cooloff)
			e.open(until)
			r.log.Warn("provider rate limited, opening circuit", "provider", name, "until", until)
			if r.obs != nil {
				r.obs.CircuitOpened(name, until)
			}
		} else {
			r.log.Warn("provider failed", "provider", name, "error", err)
		}
		errs = append(errs, err)

		if ctx.Err() != nil {
			break
		}
	}

	errs = append(errs, ErrExhausted)
	return nil, errors.Join(errs...)
}

// Primary returns the name of the first provider in the chain.
func (r *Registry) Primary() string {
	return r.entries[0].provider.Name()
}

// Names returns provider names in attempt order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.provider.Name()
	}
	return names
}

// Healthy reports whether at least one provider is configured and not
// sitting behind an open circuit.
func (r *Registry) Healthy(ctx context.Context) bool {
	now := r.now()
	for _, e := range r.entries {
		if _, open := e.circuitOpen(now); open {
			continue
		}
		if e.provider.Health(ctx) {
			return true
		}
	}
	return false
}

// Snapshot reports per-provider state for health and metrics surfaces.
func (r *Registry) Snapshot(ctx context.Context) []ProviderStatus {
	now := r.now()
	out := make([]ProviderStatus, 0, len(r.entries))
	for _, e := range r.entries {
		until, open := e.circuitOpen(now)
		out = append(out, ProviderStatus{
			Name:        e.provider.Name(),
			Healthy:     e.provider.Health(ctx),
			CircuitOpen: open,
			OpenUntil:   until,
		})
	}
	return out
}
