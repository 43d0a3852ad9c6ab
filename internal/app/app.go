// -----------------------------------------------------------------------
// App - explicit dependency wiring for every service. Construction order
// follows the data path: stores first, then the bus, then the dispatcher
// and extensions, workers last.
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dossier/internal/broker"
	"github.com/ternarybob/dossier/internal/common"
	"github.com/ternarybob/dossier/internal/contentstore"
	"github.com/ternarybob/dossier/internal/dispatch"
	"github.com/ternarybob/dossier/internal/events"
	"github.com/ternarybob/dossier/internal/extensions"
	"github.com/ternarybob/dossier/internal/handlers"
	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/jobstore"
	"github.com/ternarybob/dossier/internal/pipeline"
	"github.com/ternarybob/dossier/internal/worker"
)

// App holds the wired application services
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	brokerDB *badger.DB
	storeDB  *badgerhold.Store

	Broker     interfaces.Broker
	JobStore   *jobstore.Store
	Registry   interfaces.WorkerRegistry
	Events     interfaces.EventService
	Store      interfaces.StorageManager
	Dispatcher *dispatch.Dispatcher
	Extensions *extensions.Manager
	Supervisor *worker.Supervisor
	WebSocket  *handlers.WebSocketHandler

	stageHandlers map[string]interfaces.StageHandler

	workerCancel context.CancelFunc
	workerWg     sync.WaitGroup
}

// New wires the application from configuration
func New(cfg *common.Config) (*App, error) {
	logger := common.GetLogger()

	brokerPath, err := common.BadgerPath(cfg.Broker.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	storePath, err := common.BadgerPath(cfg.Store.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid store url: %w", err)
	}

	if cfg.Store.ResetOnStartup {
		logger.Warn().Str("path", storePath).Msg("Resetting content store")
		if err := os.RemoveAll(storePath); err != nil {
			return nil, fmt.Errorf("failed to reset store: %w", err)
		}
	}

	brokerDB, err := broker.Open(brokerPath)
	if err != nil {
		return nil, err
	}
	storeDB, err := contentstore.Open(storePath)
	if err != nil {
		brokerDB.Close()
		return nil, err
	}

	jobBroker, err := broker.NewBadgerBroker(brokerDB, cfg.Broker.KeyPrefix, logger)
	if err != nil {
		brokerDB.Close()
		storeDB.Close()
		return nil, err
	}

	jobs := jobstore.NewStore(storeDB, cfg.Pipeline.RetentionWindow, logger)
	registry := jobstore.NewRegistry(storeDB, logger)

	bus, err := events.NewService(storeDB, logger)
	if err != nil {
		brokerDB.Close()
		storeDB.Close()
		return nil, err
	}

	store := contentstore.NewManager(storeDB, cfg.DataRoot, logger)
	if err := store.MigrateCore(context.Background()); err != nil {
		brokerDB.Close()
		storeDB.Close()
		return nil, err
	}

	dispatcher := dispatch.New(jobBroker, jobs, registry, bus, store, cfg, logger)

	extManager := extensions.NewManager(bus, store, jobBroker, jobs, dispatcher, cfg.Worker.MaxWorkerRequeues, logger)
	if err := extManager.Register(extensions.NewEntitiesExtension(store, logger)); err != nil {
		brokerDB.Close()
		storeDB.Close()
		return nil, err
	}

	supervisor := worker.NewSupervisor(jobBroker, jobs, registry, bus, cfg.Worker.HeartbeatInterval, logger)

	a := &App{
		Config:        cfg,
		Logger:        logger,
		brokerDB:      brokerDB,
		storeDB:       storeDB,
		Broker:        jobBroker,
		JobStore:      jobs,
		Registry:      registry,
		Events:        bus,
		Store:         store,
		Dispatcher:    dispatcher,
		Extensions:    extManager,
		Supervisor:    supervisor,
		WebSocket:     handlers.NewWebSocketHandler(bus, cfg.WebSocket, logger),
		stageHandlers: pipeline.Handlers(cfg, store, bus, logger),
	}
	return a, nil
}

// Start brings up the event-coupled components: dispatcher subscriptions,
// extensions, the supervisor and the retention schedule.
func (a *App) Start(ctx context.Context) error {
	if err := a.Dispatcher.Start(); err != nil {
		return err
	}
	if err := a.Extensions.Initialize(ctx); err != nil {
		return err
	}
	if err := a.JobStore.StartRetention(); err != nil {
		return err
	}
	a.Supervisor.Start()
	return nil
}

// HandlerForPool resolves the stage handler serving a pool, checking the
// built-in pipeline first and extension contributions second.
func (a *App) HandlerForPool(pool string) (interfaces.StageHandler, bool) {
	if h, ok := a.stageHandlers[pool]; ok {
		return h, true
	}
	return a.Extensions.Handler(pool)
}

// StartWorkers launches worker runtimes. With poolName empty every
// declared pool gets max_concurrency runtimes, extension contributions
// included; otherwise only the named pool is served.
func (a *App) StartWorkers(ctx context.Context, poolName string) error {
	workerCtx, cancel := context.WithCancel(ctx)
	a.workerCancel = cancel

	type poolSpec struct {
		name        string
		concurrency int
	}
	specs := make([]poolSpec, 0, len(a.Config.Pools))
	for _, p := range a.Config.Pools {
		specs = append(specs, poolSpec{name: p.Name, concurrency: p.MaxConcurrency})
	}
	for _, p := range a.Extensions.ContributedPools() {
		specs = append(specs, poolSpec{name: p.Name, concurrency: p.MaxConcurrency})
	}

	started := 0
	for _, declared := range specs {
		if poolName != "" && declared.name != poolName {
			continue
		}
		handler, ok := a.HandlerForPool(declared.name)
		if !ok {
			cancel()
			return fmt.Errorf("no handler for pool %q", declared.name)
		}

		pool, _ := a.Dispatcher.PoolFor(declared.name)
		for i := 0; i < declared.concurrency; i++ {
			rt := worker.NewRuntime(*pool, a.Broker, a.JobStore, a.Registry, a.Events, handler, a.Config.Worker, a.Logger)
			a.workerWg.Add(1)
			go func() {
				defer a.workerWg.Done()
				if err := rt.Run(workerCtx); err != nil {
					a.Logger.Error().Err(err).Str("pool", pool.Name).Msg("Worker exited with error")
				}
			}()
			started++
		}
	}

	if poolName != "" && started == 0 {
		cancel()
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownPool, poolName)
	}

	a.Logger.Info().
		Int("workers", started).
		Msg("Workers started")
	return nil
}

// StopWorkers cancels worker runtimes and waits for them to drain
func (a *App) StopWorkers() {
	if a.workerCancel == nil {
		return
	}
	a.workerCancel()
	a.workerCancel = nil
	a.workerWg.Wait()
}

// Close shuts down in reverse construction order
func (a *App) Close() error {
	ctx := context.Background()

	a.StopWorkers()
	a.Supervisor.Stop()
	if err := a.Extensions.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Extension shutdown reported errors")
	}
	a.Dispatcher.Stop()
	a.JobStore.StopRetention()
	if err := a.Events.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Event service close failed")
	}
	if err := a.Broker.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Broker close failed")
	}

	var firstErr error
	if err := a.storeDB.Close(); err != nil {
		firstErr = err
	}
	if err := a.brokerDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
