package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"buildcalc/server/effects/converter"
	"buildcalc/server/internal/catalog"
	"buildcalc/server/internal/engine"
	"buildcalc/server/internal/evaluation"
	"buildcalc/server/internal/observability"
	"buildcalc/server/internal/sources"
	"buildcalc/server/internal/telemetry"
	"buildcalc/server/logging"
	loggingSinks "buildcalc/server/logging/sinks"
	"buildcalc/server/stats"
)

// Runtime is the wired object graph for one entity: catalog, adapters and
// event router. It does not talk to the engine by itself.
type Runtime struct {
	Config   Config
	Catalog  *catalog.Catalog
	Adapters *Adapters
	Router   *logging.Router
	Metrics  *logging.Metrics
	// Signals receives the name of every adapter whose state changed. It
	// holds at most one pending signal.
	Signals chan string

	logger  telemetry.Logger
	closers []func() error
}

// NewRuntime loads the catalog, starts the event router and constructs the
// adapters. An empty entity id is replaced with a random one.
func NewRuntime(cfg Config, logger telemetry.Logger, stdout io.Writer) (*Runtime, error) {
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if cfg.EntityID == "" {
		cfg.EntityID = uuid.NewString()
	}

	cat, err := catalog.Load(cfg.CatalogPaths...)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:  cfg,
		Catalog: cat,
		Metrics: &logging.Metrics{},
		Signals: make(chan string, 1),
		logger:  logger,
	}

	logCfg := cfg.Logging()
	var named []logging.NamedSink
	if logCfg.HasSink(logging.SinkConsole) {
		named = append(named, logging.NamedSink{Name: logging.SinkConsole, Sink: loggingSinks.NewConsoleSink(stdout, logCfg.Console)})
	}
	if logCfg.HasSink(logging.SinkJSON) {
		var w io.Writer = stdout
		if logCfg.JSON.FilePath != "" {
			file, err := os.OpenFile(logCfg.JSON.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("failed to open event log: %w", err)
			}
			rt.closers = append(rt.closers, file.Close)
			w = file
		}
		named = append(named, logging.NamedSink{Name: logging.SinkJSON, Sink: loggingSinks.NewJSON(w, logCfg.JSON.FlushInterval)})
	}
	router, err := logging.NewRouter(logging.ClockFunc(time.Now), logCfg, named)
	if err != nil {
		rt.closeFiles()
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	rt.Router = router

	rt.Adapters = NewAdapters(cat, converter.Default(), cfg.RelicGrid, nil,
		sources.WithPublisher(router),
		sources.WithNotifier(sources.Notify(rt.Signals)),
	)
	return rt, nil
}

// ApplyBuild loads the configured build file and reconciles the adapters with
// it. Rejected mutations are logged; only an unreadable file is an error.
func (rt *Runtime) ApplyBuild() error {
	b, err := LoadBuild(rt.Config.BuildPath)
	if err != nil {
		return err
	}
	if err := b.ApplyTo(rt.Adapters); err != nil {
		rt.logger.Printf("build %s: some entries were rejected: %v", rt.Config.BuildPath, err)
	}
	return nil
}

// Delta diffs every adapter against its baseline and merges the result. It
// advances the baselines exactly like an evaluation would.
func (rt *Runtime) Delta() stats.Delta {
	var deltas []stats.Delta
	for _, src := range rt.Adapters.Sources() {
		deltas = append(deltas, src.Delta())
	}
	return stats.Merge(deltas...)
}

// NewManager wires an evaluation manager over the runtime's adapters.
func (rt *Runtime) NewManager(eng evaluation.Engine, observer func(evaluation.Result)) *evaluation.Manager {
	return evaluation.NewManager(eng, rt.Adapters.Sources(), evaluation.Config{
		EntityID:  rt.Config.EntityID,
		Outputs:   rt.Config.Outputs,
		Publisher: rt.Router,
		Logger:    rt.logger,
		Metrics:   telemetry.WrapMetrics(rt.Metrics),
		Observer:  observer,
	})
}

// Close flushes the router and releases open files. The router counters are
// copied into Metrics and dropped events are reported.
func (rt *Runtime) Close(ctx context.Context) error {
	var err error
	if rt.Router != nil {
		err = rt.Router.Close(ctx)
		routerStats := rt.Router.Stats()
		rt.Metrics.TelemetryStore(telemetry.MetricEventsForwarded, routerStats.EventsTotal)
		rt.Metrics.TelemetryStore(telemetry.MetricEventsDropped, routerStats.DroppedTotal)
		if routerStats.DroppedTotal > 0 {
			rt.logger.Printf("event router dropped %d events", routerStats.DroppedTotal)
		}
	}
	return errors.Join(err, rt.closeFiles())
}

func (rt *Runtime) closeFiles() error {
	var errs []error
	for _, closeFn := range rt.closers {
		errs = append(errs, closeFn())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// RunOptions tunes Run.
type RunOptions struct {
	Logger telemetry.Logger
	Stdout io.Writer
	// Watch keeps evaluating whenever the build file or a catalog file
	// changes.
	Watch bool
	// OnResult receives every evaluation result.
	OnResult func(evaluation.Result)
	// Explain names a stat whose breakdown is requested after the first
	// evaluation and handed to OnExplain.
	Explain   string
	OnExplain func(engine.Explanation)
}

// Run evaluates the configured build against the engine at cfg.EngineURL.
// Without Watch it returns after the first evaluation, reporting its error.
// With Watch it polls the build and catalog files and re-syncs until ctx is
// done.
func Run(ctx context.Context, cfg Config, opts RunOptions) error {
	rt, err := NewRuntime(cfg, opts.Logger, opts.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := rt.Close(closeCtx); cerr != nil {
			rt.logger.Printf("failed to close runtime: %v", cerr)
		}
	}()

	if err := rt.ApplyBuild(); err != nil {
		return err
	}

	transport, err := engine.Dial(ctx, cfg.EngineURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to engine at %s: %w", cfg.EngineURL, err)
	}
	client := engine.NewClient(transport, engine.ClientConfig{
		Defaults: engine.CallOptions{Timeout: cfg.CallTimeout},
		Logger:   rt.logger,
		Metrics:  telemetry.WrapMetrics(rt.Metrics),
	})
	return rt.serve(ctx, client, opts)
}

func (rt *Runtime) serve(ctx context.Context, client *engine.Client, opts RunOptions) error {
	onResult := opts.OnResult
	if onResult == nil {
		onResult = func(evaluation.Result) {}
	}
	manager := rt.NewManager(client, onResult)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		return client.Run(runCtx)
	})
	g.Go(func() error {
		defer stop()
		res := manager.Start(runCtx)
		if res.Error == "" && opts.Explain != "" {
			explanation, err := manager.Explain(runCtx, opts.Explain)
			if err != nil {
				return fmt.Errorf("explain %s: %w", opts.Explain, err)
			}
			if opts.OnExplain != nil {
				opts.OnExplain(explanation)
			}
		}
		if !opts.Watch {
			if res.Error != "" {
				return fmt.Errorf("evaluation failed: %s", res.Error)
			}
			return nil
		}
		return manager.Run(runCtx, rt.Signals)
	})
	if opts.Watch {
		g.Go(func() error {
			return rt.watchFiles(runCtx, manager)
		})
	}
	return g.Wait()
}

// watchFiles polls the catalog files and the build file. A catalog change
// reloads the catalog and invalidates the manager, because the adapters'
// hashes only cover their own state. A build file change is re-applied.
func (rt *Runtime) watchFiles(ctx context.Context, manager *evaluation.Manager) error {
	interval := rt.Config.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	catalogTimes := rt.catalogModTimes()
	buildTime := modTime(rt.Config.BuildPath)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if current := rt.catalogModTimes(); !maps.EqualFunc(current, catalogTimes, time.Time.Equal) {
			catalogTimes = current
			rt.ReloadCatalog(ctx, manager)
		}
		if current := modTime(rt.Config.BuildPath); !current.Equal(buildTime) {
			buildTime = current
			if err := rt.ApplyBuild(); err != nil {
				rt.logger.Printf("failed to reload build: %v", err)
			}
		}
	}
}

// ReloadCatalog re-reads the catalog files. On success manager is
// invalidated and a sync is requested so every adapter resends its state
// under the new definitions. A failed reload keeps the previous catalog.
func (rt *Runtime) ReloadCatalog(ctx context.Context, manager *evaluation.Manager) {
	if err := rt.Catalog.Reload(); err != nil {
		rt.logger.Printf("failed to reload catalog: %v", err)
		return
	}
	manager.Invalidate(ctx, "catalog reloaded")
	sources.Notify(rt.Signals)("catalog")
}

func (rt *Runtime) catalogModTimes() map[string]time.Time {
	times := make(map[string]time.Time, len(rt.Config.CatalogPaths))
	for _, path := range rt.Config.CatalogPaths {
		times[path] = modTime(path)
	}
	return times
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// ServeEngine runs the in-memory reference engine on addr until ctx is done.
// Debug handlers are mounted according to cfg.Observability.
func ServeEngine(ctx context.Context, cfg Config, addr string, logger telemetry.Logger) error {
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	mux := http.NewServeMux()
	mux.Handle("/engine", engine.NewMemory(logger))
	observability.Register(mux, cfg.Observability)
	srv := &http.Server{Addr: addr, Handler: mux}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.Printf("engine listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("engine server failed: %w", err)
	}
	return nil
}
