// ABOUTME: in-memory correlation registry with a deadline sweeper
// ABOUTME: resolve is the single winner point, late arrivals become no-ops

package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults.
const (
	DefaultSweepInterval = 250 * time.Millisecond
	DefaultSeenTTL       = 5 * time.Minute
	DefaultSeenCap       = 4096
)

// Entry tracks one dispatched task awaiting an agent response. The
// provisional assistant message in the session carries the correlation
// id in its metadata; that is the reference the completion path uses.
type Entry struct {
	CorrelationID string
	SessionID     string
	UserID        string
	TaskType      string
	Intent        string
	ResponseTopic string
	RegisteredAt  time.Time
	SoftDeadline  time.Time
	Deadline      time.Time
}

type tracked struct {
	Entry
	softFired bool
	timedOut  bool
}

// Registry is the per-instance correlation map. Resolve removes the
// entry and marks it seen, so exactly one caller wins a correlation;
// everything after that is classified as a duplicate.
type Registry struct {
	interval  time.Duration
	log       *slog.Logger
	onTimeout func(Entry)
	onStill   func(Entry)

	mu        sync.Mutex
	entries   map[string]*tracked
	bySession map[string]map[string]struct{}
	seen      *seenCache
	now       func() time.Time
}

// Options configures a Registry.
type Options struct {
	SweepInterval time.Duration // defaults to DefaultSweepInterval
	SeenTTL       time.Duration // defaults to DefaultSeenTTL
	SeenCap       int           // defaults to DefaultSeenCap
	Logger        *slog.Logger

	// OnTimeout fires once per entry whose hard deadline passed. The
	// callback must route a synthesized error result through the same
	// completion path as real responses; the entry stays registered
	// until that path resolves it.
	OnTimeout func(Entry)

	// OnStillWorking fires once per entry whose soft deadline passed
	// while the hard deadline has not. Optional.
	OnStillWorking func(Entry)
}

// New builds a Registry. Run starts the sweeper.
func New(opts Options) *Registry {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = DefaultSeenTTL
	}
	if opts.SeenCap <= 0 {
		opts.SeenCap = DefaultSeenCap
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		interval:  opts.SweepInterval,
		log:       opts.Logger.With("component", "correlate"),
		onTimeout: opts.OnTimeout,
		onStill:   opts.OnStillWorking,
		entries:   make(map[string]*tracked),
		bySession: make(map[string]map[string]struct{}),
		seen:      newSeenCache(opts.SeenTTL, opts.SeenCap),
		now:       time.Now,
	}
}

// Register inserts a new entry. Correlation ids are freshly minted
// UUIDs, so a duplicate id is a programming error, not a race.
func (r *Registry) Register(e Entry) error {
	if e.CorrelationID == "" || e.SessionID == "" {
		return fmt.Errorf("correlate: correlation and session ids required")
	}
	if e.Deadline.IsZero() {
		return fmt.Errorf("correlate: deadline required for %s", e.CorrelationID)
	}
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.entries[e.CorrelationID]; dup {
		return fmt.Errorf("correlate: %s already registered", e.CorrelationID)
	}
	r.entries[e.CorrelationID] = &tracked{Entry: e}
	set, ok := r.bySession[e.SessionID]
	if !ok {
		set = make(map[string]struct{})
		r.bySession[e.SessionID] = set
	}
	set[e.CorrelationID] = struct{}{}
	return nil
}

// Resolve claims the entry for id. The first caller gets it and true;
// later callers get false, which marks their delivery a duplicate.
func (r *Registry) Resolve(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	r.removeLocked(t)
	return t.Entry, true
}

// Cancel removes the entry without routing any result. The id is still
// marked seen so a late agent response gets dropped silently instead of
// being treated as another instance's traffic.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.entries[id]
	if !ok {
		return false
	}
	r.removeLocked(t)
	return true
}

// CancelBySession removes every pending entry of a session. Used when
// the session is deleted; nothing is pushed for these.
func (r *Registry) CancelBySession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.bySession[sessionID]
	if !ok {
		return 0
	}
	n := 0
	for id := range ids {
		if t, ok := r.entries[id]; ok {
			r.removeLocked(t)
			n++
		}
	}
	return n
}

// Seen reports whether id completed recently. Unknown ids that are not
// seen belong to some other instance.
func (r *Registry) Seen(id string) bool {
	return r.seen.check(id, r.now())
}

// Pending returns the number of outstanding entries.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run sweeps until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(r.now())
		}
	}
}

// sweep fires deadline callbacks. Entries past the hard deadline get
// one OnTimeout; the entry itself is removed later by the synthesized
// result resolving it, keeping a single completion path.
func (r *Registry) sweep(now time.Time) {
	var timeouts, stills []Entry

	r.mu.Lock()
	for _, t := range r.entries {
		switch {
		case !now.Before(t.Deadline):
			if !t.timedOut {
				t.timedOut = true
				timeouts = append(timeouts, t.Entry)
			}
		case !t.softFired && !t.SoftDeadline.IsZero() && !now.Before(t.SoftDeadline):
			t.softFired = true
			stills = append(stills, t.Entry)
		}
	}
	r.mu.Unlock()

	r.seen.prune(now)

	for _, e := range stills {
		if r.onStill != nil {
			r.onStill(e)
		}
	}
	for _, e := range timeouts {
		r.log.Warn("agent response overdue, synthesizing timeout",
			"correlation_id", e.CorrelationID, "session_id", e.SessionID, "task_type", e.TaskType)
		if r.onTimeout != nil {
			r.onTimeout(e)
		} else {
			// No completion path wired; drop the entry so it cannot
			// fire forever.
			r.Cancel(e.CorrelationID)
		}
	}
}

// removeLocked unlinks t and marks its id seen. Caller holds mu.
func (r *Registry) removeLocked(t *tracked) {
	delete(r.entries, t.CorrelationID)
	if set, ok := r.bySession[t.SessionID]; ok {
		delete(set, t.CorrelationID)
		if len(set) == 0 {
			delete(r.bySession, t.SessionID)
		}
	}
	r.seen.mark(t.CorrelationID, r.now())
}
