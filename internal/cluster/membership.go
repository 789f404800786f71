// ABOUTME: instance membership via Redis heartbeats and rendezvous placement
// ABOUTME: decides which orchestrator instance owns a session

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	instanceKeyPrefix = "orchestrator:instances:"

	// DefaultHeartbeatInterval is how often an instance refreshes its key
	// and rescans membership. DefaultHeartbeatTTL gives a silent instance
	// three missed beats before the cluster forgets it.
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTTL      = 15 * time.Second

	// DefaultForwardTopic carries responses that resolved on a non-owner
	// instance. Every instance consumes it with its own group id.
	DefaultForwardTopic = "orchestrator-forwarded"
)

// Membership heartbeats this instance into Redis and maps sessions to
// instances with rendezvous hashing over the live set. With no membership
// information (solo, or Redis unreachable since startup) every session is
// treated as locally owned.
type Membership struct {
	id       string
	client   *redis.Client
	interval time.Duration
	ttl      time.Duration
	log      *slog.Logger
	onChange func(members []string)

	mu      sync.RWMutex
	members []string
	ring    *rendezvous.Rendezvous
}

// Options configures a Membership.
type Options struct {
	// InstanceID is minted from the hostname when empty.
	InstanceID        string
	Client            *redis.Client
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	Logger            *slog.Logger

	// OnChange runs on the heartbeat goroutine after the live set changes.
	OnChange func(members []string)
}

// New builds a Membership. It does not touch Redis until Run.
func New(opts Options) (*Membership, error) {
	if opts.Client == nil {
		return nil, errors.New("cluster: redis client is required")
	}
	id := opts.InstanceID
	if id == "" {
		id = mintInstanceID()
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ttl := opts.HeartbeatTTL
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	if ttl <= interval {
		return nil, fmt.Errorf("cluster: heartbeat ttl %s must exceed interval %s", ttl, interval)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Membership{
		id:       id,
		client:   opts.Client,
		interval: interval,
		ttl:      ttl,
		log:      logger.With("component", "cluster", "instance_id", id),
		onChange: opts.OnChange,
	}, nil
}

func mintInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "orchestrator"
	}
	return host + "-" + uuid.NewString()[:8]
}

// ID returns this instance's identifier.
func (m *Membership) ID() string { return m.id }

// ForwardGroup returns the consumer group this instance uses on the
// forwarding topic. It must be unique per instance so every instance
// sees every forwarded message.
func (m *Membership) ForwardGroup() string {
	return DefaultForwardTopic + "-" + m.id
}

// Run registers the instance, then heartbeats and rescans membership until
// ctx is canceled. The instance key is removed on the way out so peers
// rebalance without waiting for the TTL.
func (m *Membership) Run(ctx context.Context) error {
	if err := m.beat(ctx); err != nil {
		m.log.Warn("initial heartbeat failed", "error", err)
	}
	if err := m.refresh(ctx); err != nil {
		m.log.Warn("initial membership scan failed", "error", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.deregister()
			return nil
		case <-ticker.C:
			if err := m.beat(ctx); err != nil {
				m.log.Warn("heartbeat failed", "error", err)
				continue
			}
			if err := m.refresh(ctx); err != nil {
				m.log.Warn("membership scan failed", "error", err)
			}
		}
	}
}

func (m *Membership) key() string { return instanceKeyPrefix + m.id }

// beat refreshes this instance's TTL'd key.
func (m *Membership) beat(ctx context.Context) error {
	return m.client.Set(ctx, m.key(), m.id, m.ttl).Err()
}

// refresh rescans the live instance keys and rebuilds the ring when the
// set changed.
func (m *Membership) refresh(ctx context.Context) error {
	var ids []string
	iter := m.client.Scan(ctx, 0, instanceKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), instanceKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning instances: %w", err)
	}
	slices.Sort(ids)

	m.mu.Lock()
	if slices.Equal(ids, m.members) {
		m.mu.Unlock()
		return nil
	}
	prev := m.members
	m.members = ids
	m.ring = rendezvous.New(ids, xxhash.Sum64String)
	m.mu.Unlock()

	m.log.Info("membership changed", "was", len(prev), "now", len(ids), "members", ids)
	if m.onChange != nil {
		m.onChange(slices.Clone(ids))
	}
	return nil
}

func (m *Membership) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.Del(ctx, m.key()).Err(); err != nil {
		m.log.Warn("deregister failed", "error", err)
	}
}

// Members returns the last observed live set.
func (m *Membership) Members() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.members)
}

// Owner returns the instance that owns sessionID, or "" when membership
// is unknown.
func (m *Membership) Owner(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ring == nil {
		return ""
	}
	return m.ring.Lookup(sessionID)
}

// Owns reports whether this instance should handle sessionID. Unknown
// membership counts as owned; handling locally beats dropping.
func (m *Membership) Owns(sessionID string) bool {
	owner := m.Owner(sessionID)
	return owner == "" || owner == m.id
}
