// Package app assembles the engine from configuration. Every entry point
// builds one Container and takes what it needs from it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/effects"
	"github.com/alem-hub/progress-engine/internal/application/eventhandler"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/application/saga"
	"github.com/alem-hub/progress-engine/internal/domain/curriculum"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/milestone"
	"github.com/alem-hub/progress-engine/internal/domain/outbox"
	"github.com/alem-hub/progress-engine/internal/domain/portfolio"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/workflow"
	"github.com/alem-hub/progress-engine/internal/infrastructure/catalog"
	"github.com/alem-hub/progress-engine/internal/infrastructure/external/collaborator"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/internal/infrastructure/metrics"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progress-engine/pkg/keylock"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONTAINER
// ══════════════════════════════════════════════════════════════════════════════

// Bus is the event bus the engine publishes on.
type Bus interface {
	shared.EventPublisher
	shared.EventSubscriber
	Close() error
}

// Repositories groups the storage ports.
type Repositories struct {
	Ledger      ledger.Repository
	Enrollments progress.Repository
	Milestones  milestone.Repository
	Workflows   workflow.Repository
	Curricula   curriculum.Repository
	Portfolios  portfolio.Repository
	Outbox      outbox.Repository
}

// Commands groups the write handlers.
type Commands struct {
	RecordActivity       *command.RecordActivityHandler
	Enroll               *command.EnrollStudentHandler
	Withdraw             *command.WithdrawStudentHandler
	StartWorkflow        *command.StartWorkflowHandler
	CompleteStep         *command.CompleteWorkflowStepHandler
	AbandonWorkflow      *command.AbandonWorkflowHandler
	AcknowledgeMilestone *command.AcknowledgeMilestoneHandler
	PublishCurriculum    *command.PublishCurriculumUpdateHandler
	Portfolio            *command.PortfolioHandler
}

// Queries groups the read handlers.
type Queries struct {
	StudentProgress *query.GetStudentProgressHandler
	ClassAnalytics  *query.GetClassAnalyticsHandler
	Report          *query.GenerateProgressReportHandler
	Workflow        *query.GetWorkflowHandler
	Curriculum      *query.GetCurriculumHandler
	Portfolio       *query.GetPortfolioHandler
}

// Sagas groups the outbox handlers.
type Sagas struct {
	Notifications *saga.NotificationDelivery
	Certificates  *saga.CertificateIssuance
	Publication   *saga.ContentPublication
	Fanout        *saga.CurriculumFanout
}

// Container holds every wired component.
type Container struct {
	Config  *config.Config
	Log     *logger.Logger
	Clock   timeutil.Clock
	Metrics *metrics.Metrics

	// DB and Redis are nil when the corresponding backend is not configured.
	DB    *postgres.Connection
	Redis *goredis.Client

	Repos       Repositories
	Catalog     *catalog.Curriculum
	BaseCatalog *catalog.File
	Locker      keylock.Locker
	Bus         Bus
	Effects     *effects.Queue
	Aggregator  *eventhandler.ProgressAggregator
	Commands    Commands
	Queries     Queries
	Sagas       Sagas
	Dispatcher  *messaging.OutboxDispatcher

	closers []func()
}

// Option adjusts a Container before it is wired.
type Option func(*options)

type options struct {
	clock     timeutil.Clock
	notifier  outbox.NotificationSink
	issuer    outbox.CertificateIssuer
	publisher workflow.ContentPublisher
}

// WithClock replaces the system clock.
func WithClock(c timeutil.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithCollaborators replaces the configured collaborators. Nil arguments keep
// the configured ones.
func WithCollaborators(sink outbox.NotificationSink, issuer outbox.CertificateIssuer, pub workflow.ContentPublisher) Option {
	return func(o *options) {
		if sink != nil {
			o.notifier = sink
		}
		if issuer != nil {
			o.issuer = issuer
		}
		if pub != nil {
			o.publisher = pub
		}
	}
}

// Build connects the configured backends and wires the engine. On error every
// connection opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (c *Container, err error) {
	if log == nil {
		log = logger.Nop()
	}
	o := options{clock: timeutil.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	c = &Container{Config: cfg, Log: log, Clock: o.clock, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 1. STORAGE
	// ─────────────────────────────────────────────────────────────────────────
	if err := c.buildStorage(ctx); err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. REDIS (optional): distributed lock and cross-instance bus
	// ─────────────────────────────────────────────────────────────────────────
	if err := c.buildCoordination(ctx); err != nil {
		return nil, err
	}
	if err := c.Metrics.Subscribe(c.Bus); err != nil {
		return nil, fmt.Errorf("subscribe metrics: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ENGINE
	// ─────────────────────────────────────────────────────────────────────────
	c.BaseCatalog = catalog.NewFile(cfg.Engine.CatalogFile, log)
	if _, err := c.BaseCatalog.IDs(ctx); err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	c.Catalog = catalog.NewCurriculum(c.Repos.Curricula, c.BaseCatalog)
	c.Effects = effects.NewQueue(c.Repos.Outbox, c.Clock, log)
	c.Aggregator = eventhandler.NewProgressAggregator(eventhandler.AggregatorDeps{
		Ledger:      c.Repos.Ledger,
		Enrollments: c.Repos.Enrollments,
		Milestones:  c.Repos.Milestones,
		Catalog:     c.Catalog,
		Effects:     c.Effects,
		Locker:      c.Locker,
		Publisher:   c.Bus,
		Evaluator:   milestone.NewEvaluator(milestone.Policy{Grace: cfg.Engine.PaceGrace}),
		Clock:       c.Clock,
		Logger:      log,
	})
	c.buildCommands()
	c.buildQueries()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. COLLABORATORS AND OUTBOX
	// ─────────────────────────────────────────────────────────────────────────
	c.buildSagas(o)
	c.Dispatcher = messaging.NewOutboxDispatcher(c.Repos.Outbox, messaging.DispatcherConfig{
		BatchSize:      cfg.Engine.DispatchBatchSize,
		Workers:        cfg.Engine.DispatchWorkers,
		Lease:          cfg.Engine.DispatchLease,
		HandlerTimeout: cfg.Engine.HandlerTimeout,
		PollInterval:   cfg.Engine.DispatchPoll,
		Backoff:        dispatchBackoff(cfg.Engine.DispatchMaxAttempts),
		Clock:          c.Clock,
		Logger:         log,
		Observer:       c.Metrics,
	}, c.Sagas.Notifications, c.Sagas.Certificates, c.Sagas.Publication, c.Sagas.Fanout)
	if err := c.Dispatcher.WakeOn(c.Bus); err != nil {
		return nil, fmt.Errorf("wire dispatcher: %w", err)
	}

	log.Info("engine wired",
		logger.String("storage", string(cfg.Database.Driver)),
		logger.Bool("redis", c.Redis != nil),
	)
	return c, nil
}

func dispatchBackoff(maxAttempts int) retry.Config {
	b := retry.OutboxBackoff()
	if maxAttempts > 0 {
		b.MaxAttempts = maxAttempts
	}
	return b
}

func (c *Container) buildStorage(ctx context.Context) error {
	cfg := c.Config.Database
	switch cfg.Driver {
	case config.StoragePostgres:
		conn, err := postgres.NewConnection(ctx, PostgresConfig(cfg))
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		c.DB = conn
		c.closers = append(c.closers, conn.Close)

		if cfg.MigrateOnStart {
			applied, err := postgres.NewMigrator(conn).Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			c.Log.Info("migrations applied", logger.Int("count", len(applied)))
		}

		c.Repos = Repositories{
			Ledger:      postgres.NewLedgerRepository(conn),
			Enrollments: postgres.NewEnrollmentRepository(conn),
			Milestones:  postgres.NewMilestoneRepository(conn),
			Workflows:   postgres.NewWorkflowRepository(conn),
			Curricula:   postgres.NewCurriculumRepository(conn),
			Portfolios:  postgres.NewPortfolioRepository(conn),
			Outbox:      postgres.NewOutboxRepository(conn),
		}
	case config.StorageMemory, "":
		c.Repos = NewMemoryRepositories()
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	return nil
}

// PostgresConfig maps database settings onto the pool configuration.
func PostgresConfig(cfg config.DatabaseConfig) postgres.Config {
	pg := postgres.DefaultConfig()
	pg.URL = cfg.URL
	pg.MaxConns = int32(cfg.MaxConns)
	pg.MinConns = int32(cfg.MinConns)
	pg.MaxConnLifetime = cfg.ConnMaxLifetime
	pg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	return pg
}

// NewMemoryRepositories returns a fresh set of in-memory repositories.
func NewMemoryRepositories() Repositories {
	return Repositories{
		Ledger:      memory.NewLedgerRepository(),
		Enrollments: memory.NewEnrollmentRepository(),
		Milestones:  memory.NewMilestoneRepository(),
		Workflows:   memory.NewWorkflowRepository(),
		Curricula:   memory.NewCurriculumRepository(),
		Portfolios:  memory.NewPortfolioRepository(),
		Outbox:      memory.NewOutboxRepository(),
	}
}

func (c *Container) buildCoordination(ctx context.Context) error {
	local := keylock.NewLocal()
	busConfig := messaging.InMemoryEventBusConfig{
		AsyncMode: c.Config.Engine.AsyncEvents,
		Logger:    c.Log,
		Observer:  c.Metrics,
	}

	rc := c.Config.Redis
	if rc.Addr == "" {
		c.Locker = local
		bus := messaging.NewInMemoryEventBus(busConfig)
		c.Bus = bus
		c.closers = append(c.closers, func() { _ = bus.Close() })
		return nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		MaxRetries:   3,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		KeyPrefix:    rc.KeyPrefix,
	})
	if err != nil {
		return err
	}
	c.Redis = client
	c.closers = append(c.closers, func() { _ = client.Close() })

	// The local lock fronts the distributed one so same-process contenders
	// queue without polling Redis.
	c.Locker = keylock.Chain{local, redis.NewLocker(client, redis.LockerConfig{
		Prefix: rc.KeyPrefix,
		TTL:    rc.LockTTL,
		Logger: c.Log,
	})}

	bus, err := messaging.NewRedisEventBus(ctx, messaging.RedisEventBusConfig{
		Client:         client,
		ChannelName:    rc.EventChannel,
		LocalBusConfig: busConfig,
		Logger:         c.Log,
	})
	if err != nil {
		return fmt.Errorf("redis event bus: %w", err)
	}
	c.Bus = bus
	c.closers = append(c.closers, func() { _ = bus.Close() })
	return nil
}

func (c *Container) buildCommands() {
	cfg := c.Config.Engine
	identity := shared.ContextIdentityProvider{}

	record := command.NewRecordActivityHandler(c.Repos.Ledger, c.Aggregator, identity, c.Metrics, c.Log,
		command.RecordActivityHandlerConfig{KeyBucket: cfg.KeyBucket})
	wf := command.WorkflowDeps{
		Workflows: c.Repos.Workflows,
		Identity:  identity,
		Publisher: c.Bus,
		Clock:     c.Clock,
		Logger:    c.Log,
	}
	c.Commands = Commands{
		RecordActivity:       record,
		Enroll:               command.NewEnrollStudentHandler(c.Repos.Enrollments, c.Repos.Ledger, c.Catalog, c.Aggregator, identity, c.Clock, c.Log),
		Withdraw:             command.NewWithdrawStudentHandler(c.Repos.Enrollments, c.Aggregator, identity, c.Clock, c.Log),
		StartWorkflow:        command.NewStartWorkflowHandler(wf),
		CompleteStep:         command.NewCompleteWorkflowStepHandler(wf, record, c.Effects),
		AbandonWorkflow:      command.NewAbandonWorkflowHandler(wf),
		AcknowledgeMilestone: command.NewAcknowledgeMilestoneHandler(c.Repos.Milestones, identity, c.Clock, c.Log),
		PublishCurriculum:    command.NewPublishCurriculumUpdateHandler(c.Repos.Curricula, c.Locker, c.Effects, identity, c.Bus, c.Clock, c.Log),
		Portfolio: command.NewPortfolioHandler(command.PortfolioDeps{
			Versions:  c.Repos.Portfolios,
			Locker:    c.Locker,
			Identity:  identity,
			Publisher: c.Bus,
			Clock:     c.Clock,
			Logger:    c.Log,
		}),
	}
}

func (c *Container) buildQueries() {
	identity := shared.ContextIdentityProvider{}
	c.Queries = Queries{
		StudentProgress: query.NewGetStudentProgressHandler(c.Repos.Enrollments, c.Repos.Milestones, identity),
		ClassAnalytics:  query.NewGetClassAnalyticsHandler(c.Repos.Enrollments, identity),
		Report:          query.NewGenerateProgressReportHandler(c.Repos.Ledger, c.Repos.Enrollments, c.Repos.Milestones, identity, c.Clock),
		Workflow:        query.NewGetWorkflowHandler(c.Repos.Workflows, identity),
		Curriculum:      query.NewGetCurriculumHandler(c.Repos.Curricula, c.Log),
		Portfolio:       query.NewGetPortfolioHandler(c.Repos.Portfolios, identity, c.Log),
	}
}

func (c *Container) buildSagas(o options) {
	cc := c.Config.Collaborators
	client := func(baseURL string) collaborator.ClientConfig {
		return collaborator.ClientConfig{
			BaseURL:           baseURL,
			APIKey:            cc.APIKey,
			Timeout:           cc.Timeout,
			RequestsPerSecond: cc.RequestsPerSecond,
			Burst:             cc.Burst,
			Logger:            c.Log,
		}
	}

	sink := o.notifier
	if sink == nil {
		if cc.NotificationURL != "" {
			sink = collaborator.NewNotificationClient(client(cc.NotificationURL))
		} else {
			sink = collaborator.NewLogSink(c.Log)
		}
	}
	issuer := o.issuer
	if issuer == nil {
		if cc.CertificateURL != "" {
			issuer = collaborator.NewCertificateClient(client(cc.CertificateURL))
		} else {
			issuer = collaborator.LocalIssuer{}
		}
	}
	pub := o.publisher
	if pub == nil {
		if cc.PublisherURL != "" {
			pub = collaborator.NewPublisherClient(client(cc.PublisherURL))
		} else {
			pub = collaborator.LocalPublisher{BaseURL: cc.PublicBaseURL}
		}
	}

	c.Sagas = Sagas{
		Notifications: saga.NewNotificationDelivery(sink, c.Log),
		Certificates:  saga.NewCertificateIssuance(issuer, c.Effects, c.Log),
		Publication:   saga.NewContentPublication(c.Repos.Workflows, pub, c.Commands.RecordActivity, c.Effects, c.Clock, c.Log),
		Fanout: saga.NewCurriculumFanout(c.Repos.Curricula, c.Repos.Enrollments, c.Aggregator, c.Effects, c.Clock, c.Log,
			c.Config.Engine.FanoutConcurrency),
	}
}

// Ping checks every configured backend.
func (c *Container) Ping(ctx context.Context) error {
	var errs []error
	if c.DB != nil {
		if err := c.DB.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of creation.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// ShutdownContext returns a context bounded by the configured shutdown timeout.
func (c *Container) ShutdownContext() (context.Context, context.CancelFunc) {
	timeout := c.Config.App.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
