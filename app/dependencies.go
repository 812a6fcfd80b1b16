package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentsim/decisiond/config"
	"github.com/agentsim/decisiond/middleware"
	"github.com/agentsim/decisiond/observability"
	"github.com/agentsim/decisiond/services/audit"
	"github.com/agentsim/decisiond/services/balancer"
	"github.com/agentsim/decisiond/services/contextbuilder"
	"github.com/agentsim/decisiond/services/normalizer"
	"github.com/agentsim/decisiond/services/prompt"
	"github.com/agentsim/decisiond/services/providers"
	"github.com/agentsim/decisiond/services/providers/ollama"
	"github.com/agentsim/decisiond/services/providers/openaicompat"
	"github.com/agentsim/decisiond/services/queue"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	AuditDB *sql.DB

	// Observability
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	// Services
	Balancer *balancer.Service
	Queue    *queue.Service
	Contexts *contextbuilder.Service
	Audit    *audit.Service

	// Auth
	AuthMiddleware *middleware.AuthMiddleware
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initMetrics(cfg)

	if err := deps.initAudit(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize audit store: %w", err)
	}

	if err := deps.initBalancer(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize load balancer: %w", err)
	}

	deps.initQueue(cfg)
	deps.Contexts = contextbuilder.NewService(logger)
	deps.AuthMiddleware = middleware.NewAuthMiddleware(cfg.Auth.JWTSecret, logger)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initMetrics initializes the Prometheus registry and collectors
func (d *Dependencies) initMetrics(cfg *config.Config) {
	if !cfg.Observability.MetricsEnabled {
		return
	}
	d.Registry = prometheus.NewRegistry()
	d.Metrics = observability.NewMetrics(d.Registry)
	d.Logger.Info("metrics registry initialized")
}

// initAudit opens the optional PostgreSQL outcome-event store
func (d *Dependencies) initAudit(ctx context.Context, cfg *config.Config) error {
	if cfg.Audit.DatabaseURL == "" {
		d.Logger.Info("no audit database configured, outcome events kept in memory only")
		return nil
	}

	db, err := sql.Open("postgres", cfg.Audit.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("audit database ping failed: %w", err)
	}

	d.AuditDB = db
	d.Audit = audit.NewService(db, d.Logger)
	if err := d.Audit.InitSchema(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	d.Logger.Info("audit store initialized")
	return nil
}

// initBalancer builds the load balancer and registers the configured backends
func (d *Dependencies) initBalancer(cfg *config.Config) error {
	b := balancer.NewService(balancer.Config{
		FailureThreshold: cfg.Balancer.FailureThreshold,
		DisableBase:      cfg.Balancer.DisableBase,
		DisableMax:       cfg.Balancer.DisableMax,
		LatencyAlpha:     cfg.Balancer.LatencyAlpha,
		FailureWeight:    cfg.Balancer.FailureWeight,
	}, d.Logger)

	if d.Metrics != nil {
		b.AddOutcomeSink(d.Metrics)
	}
	if d.Audit != nil {
		b.AddOutcomeSink(d.Audit)
	}

	specs, err := cfg.LoadProviders()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		adapter, err := buildAdapter(spec)
		if err != nil {
			return err
		}
		if err := b.Register(adapter); err != nil {
			return err
		}
		d.Logger.Info("registered provider",
			zap.String("name", spec.Name),
			zap.String("kind", spec.Kind))
	}

	if b.Count() == 0 {
		d.Logger.Warn("no backends configured, every decision will fail until one is registered")
	}

	d.Balancer = b
	return nil
}

// initQueue builds the decision queue on top of the balancer
func (d *Dependencies) initQueue(cfg *config.Config) {
	q := queue.NewService(queue.Config{
		MaxConcurrent:        cfg.Queue.MaxConcurrent,
		RetryCeiling:         cfg.Queue.RetryCeiling,
		AttemptTimeout:       cfg.Queue.AttemptTimeout,
		BackoffBase:          cfg.Queue.BackoffBase,
		BackoffMax:           cfg.Queue.BackoffMax,
		NoProviderRetryDelay: cfg.Queue.NoProviderRetryDelay,
	}, d.Balancer, prompt.NewService(), normalizer.NewService(), d.Logger)

	if d.Metrics != nil {
		q.SetMetrics(d.Metrics)
	}
	d.Queue = q
}

// Close releases all held resources in reverse dependency order.
func (d *Dependencies) Close() {
	if d.Queue != nil {
		d.Queue.Close()
	}
	if d.AuditDB != nil {
		if err := d.AuditDB.Close(); err != nil {
			d.Logger.Warn("failed to close audit database", zap.Error(err))
		}
	}
}

func buildAdapter(spec config.ProviderSpec) (providers.Provider, error) {
	timeout, err := spec.CallTimeout()
	if err != nil {
		return nil, err
	}
	pc := providers.Config{
		Name:    spec.Name,
		BaseURL: spec.BaseURL,
		APIKey:  spec.APIKey,
		Model:   spec.Model,
		Timeout: timeout,
		Headers: spec.Headers,
	}
	switch spec.Kind {
	case "ollama":
		return ollama.NewAdapter(pc), nil
	case "openai":
		return openaicompat.NewAdapter(pc), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", spec.Kind)
	}
}
