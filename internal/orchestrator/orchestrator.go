// ABOUTME: composition root: builds every component from config, no I/O until Run
// ABOUTME: wiring order matters only for the closures; nothing dials during New

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/careline/orchestrator/internal/bus"
	"github.com/careline/orchestrator/internal/cluster"
	"github.com/careline/orchestrator/internal/config"
	"github.com/careline/orchestrator/internal/correlate"
	"github.com/careline/orchestrator/internal/engine"
	"github.com/careline/orchestrator/internal/httpapi"
	"github.com/careline/orchestrator/internal/intent"
	"github.com/careline/orchestrator/internal/llm"
	"github.com/careline/orchestrator/internal/metrics"
	"github.com/careline/orchestrator/internal/prompt"
	"github.com/careline/orchestrator/internal/push"
	"github.com/careline/orchestrator/internal/router"
	"github.com/careline/orchestrator/internal/session"
)

// countTimeout bounds the session count scan behind the active_sessions
// gauge; a slow Redis must not stall a metrics scrape.
const countTimeout = 2 * time.Second

// Orchestrator owns every long-lived component of the service.
type Orchestrator struct {
	cfg *config.Config
	log *slog.Logger

	redis        *redis.Client
	store        *session.RedisStore
	hub          *push.Hub
	metrics      *metrics.Metrics
	providers    *llm.Registry
	prompts      *prompt.Registry
	classifier   *intent.Classifier
	routes       *router.Router
	producer     *bus.Producer
	pool         *bus.Pool
	correlations *correlate.Registry
	membership   *cluster.Membership
	engine       *engine.Engine
	httpServer   *http.Server

	responses *bus.Consumer
	forwarded *bus.Consumer

	// taskCtx is the context handed to work the sweeper schedules. Run
	// assigns it before the sweeper starts.
	taskCtx context.Context
}

// New builds the full component graph. Nothing here dials Redis, Kafka,
// or a provider; the first network traffic happens in Run.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{cfg: cfg, log: logger.With("component", "orchestrator")}

	o.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	o.store = session.NewRedisStore(o.redis, cfg.Session.TTL, cfg.Session.MaxHistory)

	limits, names, err := buildProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}

	o.metrics = metrics.New(metrics.Options{
		ProviderNames:   names,
		ActiveSessions:  o.activeSessions,
		PushConnections: o.pushConnections,
	})
	o.hub = push.NewHub(push.HubOptions{Logger: logger, Metrics: o.metrics})

	o.providers, err = llm.NewRegistry(limits, llm.RegistryOptions{
		Cooloff:  cfg.Limits.LLMCooloff,
		Logger:   logger,
		Observer: o.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("building provider chain: %w", err)
	}

	o.prompts, err = prompt.New(cfg.Prompts.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("loading prompts: %w", err)
	}

	o.classifier, err = intent.NewClassifier(intent.Options{
		RulesFile: cfg.Intents.RulesFile,
		LLM:       o.providers,
		Prompts:   o.prompts,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building classifier: %w", err)
	}

	o.routes, err = router.New(buildRoutes(cfg.Routes))
	if err != nil {
		return nil, fmt.Errorf("building dispatch routes: %w", err)
	}

	o.producer = bus.NewProducer(bus.ProducerOptions{
		Brokers: cfg.Kafka.Brokers,
		Timeout: cfg.Kafka.DispatchTimeout,
		Logger:  logger,
	})
	o.pool = bus.NewPool(cfg.Kafka.Workers, cfg.Kafka.QueueDepth)

	// Deadline callbacks run on the sweeper goroutine; they hand the real
	// work to the pool keyed by session so completions stay serial per
	// session.
	o.correlations = correlate.New(correlate.Options{
		Logger:         logger,
		OnTimeout:      o.onTaskTimeout,
		OnStillWorking: o.onTaskStillWorking,
	})

	o.membership, err = cluster.New(cluster.Options{
		Client:            o.redis,
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
		HeartbeatTTL:      cfg.Cluster.HeartbeatTTL,
		Logger:            logger,
		OnChange:          o.onMembersChanged,
	})
	if err != nil {
		return nil, fmt.Errorf("building cluster membership: %w", err)
	}

	o.engine, err = engine.New(engine.Options{
		Store:        o.store,
		Classifier:   o.classifier,
		Routes:       o.routes,
		Dispatcher:   o.producer,
		Correlations: o.correlations,
		Hub:          o.hub,
		Placement:    o.membership,
		Forwarder:    o.producer,
		ForwardTopic: cfg.Kafka.ForwardTopic,
		MaxHistory:   cfg.Session.MaxHistory,
		Metrics:      o.metrics,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building engine: %w", err)
	}

	// Agent responses use the shared group so one instance handles each;
	// the forward topic uses a per-instance group so every instance sees
	// every forwarded response and the owner claims it.
	o.responses, err = bus.NewConsumer(bus.ConsumerOptions{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.Group,
		Topics:  o.routes.ResponseTopics(),
		Pool:    o.pool,
		Handler: o.engine.HandleTaskResponse,
		Logger:  logger,
		Metrics: o.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("building response consumer: %w", err)
	}
	o.forwarded, err = bus.NewConsumer(bus.ConsumerOptions{
		Brokers: cfg.Kafka.Brokers,
		GroupID: o.membership.ForwardGroup(),
		Topics:  []string{cfg.Kafka.ForwardTopic},
		Pool:    o.pool,
		Handler: o.engine.HandleTaskResponse,
		Logger:  logger,
		Metrics: o.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("building forward consumer: %w", err)
	}

	api, err := httpapi.New(httpapi.Options{
		Engine:    o.engine,
		Hub:       o.hub,
		Metrics:   o.metrics,
		StorePing: o.store,
		Providers: o.providers,
		ChatRPM:   cfg.Limits.ChatRPM,
		ChatBurst: cfg.Limits.ChatBurst,
		Version:   version,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building http api: %w", err)
	}
	o.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return o, nil
}

// Engine exposes the conversation engine, mainly for tests.
func (o *Orchestrator) Engine() *engine.Engine { return o.engine }

// InstanceID reports this instance's cluster identity.
func (o *Orchestrator) InstanceID() string { return o.membership.ID() }

func (o *Orchestrator) activeSessions() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), countTimeout)
	defer cancel()
	n, err := o.store.Count(ctx)
	if err != nil {
		return 0
	}
	return float64(n)
}

func (o *Orchestrator) pushConnections() float64 {
	if o.hub == nil {
		return 0
	}
	return float64(o.hub.Active())
}

func (o *Orchestrator) onTaskTimeout(entry correlate.Entry) {
	ctx := o.taskCtx
	if ctx == nil {
		ctx = context.Background()
	}
	err := o.pool.Submit(ctx, entry.SessionID, func() {
		o.engine.CompleteTimeout(ctx, entry)
	})
	if err != nil {
		o.log.Warn("timeout completion not scheduled",
			"correlation_id", entry.CorrelationID, "session_id", entry.SessionID, "error", err)
	}
}

func (o *Orchestrator) onTaskStillWorking(entry correlate.Entry) {
	o.engine.NotifyStillWorking(entry)
}

// onMembersChanged closes push connections for sessions this instance no
// longer owns; clients reconnect through their balancer and land on the
// new owner.
func (o *Orchestrator) onMembersChanged(members []string) {
	evicted := 0
	for _, id := range o.hub.Sessions() {
		if !o.membership.Owns(id) {
			o.hub.CloseSession(id, push.ReasonOwnershipChanged)
			evicted++
		}
	}
	if evicted > 0 {
		o.log.Info("closed push connections after rebalance", "count", evicted, "members", len(members))
	}
}

// buildProviders turns provider config into the registry's failover
// chain, preserving order.
func buildProviders(cfgs []config.ProviderConfig) ([]llm.ProviderLimit, []string, error) {
	if len(cfgs) == 0 {
		return nil, nil, fmt.Errorf("at least one LLM provider must be configured")
	}
	limits := make([]llm.ProviderLimit, 0, len(cfgs))
	names := make([]string, 0, len(cfgs))
	for i, pc := range cfgs {
		var p llm.Provider
		switch pc.Type {
		case "anthropic":
			p = llm.NewAnthropicProvider(llm.AnthropicOptions{
				Name:    pc.Name,
				APIKey:  pc.APIKey,
				Model:   pc.Model,
				BaseURL: pc.BaseURL,
			})
		case "openai":
			p = llm.NewOpenAIProvider(llm.OpenAIOptions{
				Name:    pc.Name,
				APIKey:  pc.APIKey,
				Model:   pc.Model,
				BaseURL: pc.BaseURL,
			})
		default:
			return nil, nil, fmt.Errorf("providers[%d]: unknown type %q", i, pc.Type)
		}
		limits = append(limits, llm.ProviderLimit{Provider: p, RPM: pc.RPM})
		names = append(names, pc.Name)
	}
	return limits, names, nil
}

// buildRoutes converts route config rows into the router's table rows.
// An empty slice keeps the router's built-in defaults.
func buildRoutes(cfgs []config.RouteConfig) []router.Route {
	routes := make([]router.Route, 0, len(cfgs))
	for _, rc := range cfgs {
		routes = append(routes, router.Route{
			Intents:       rc.Intents,
			TaskType:      rc.TaskType,
			RequestTopic:  rc.RequestTopic,
			ResponseTopic: rc.ResponseTopic,
			Placeholder:   rc.Placeholder,
			SoftDeadline:  rc.SoftDeadline,
			HardDeadline:  rc.HardDeadline,
		})
	}
	return routes
}
