// Package daemon implements the orchestrator that starts every component
// in dependency order, owns the shutdown signal, and is the sole
// implementation of control.Handler — the single surface the control
// plane is allowed to call into (spec.md §4.6, §5). It is grounded on the
// teacher's agent.Run/shutdown shape (agents/local-agent/internal/agent/
// agent.go): a top-level Run(ctx) select loop over ctx.Done()/a stop
// channel, with an ordered shutdown sequence of deferred component stops.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"vnidsd/internal/archive"
	"vnidsd/internal/config"
	"vnidsd/internal/control"
	"vnidsd/internal/dispatcher"
	"vnidsd/internal/export"
	"vnidsd/internal/ingest"
	"vnidsd/internal/logging"
	"vnidsd/internal/metrics"
	"vnidsd/internal/model"
	"vnidsd/internal/pidfile"
	"vnidsd/internal/queue"
	"vnidsd/internal/store"
	"vnidsd/internal/supervisor"
	"vnidsd/internal/vnidserr"
)

// Version is the daemon's reported build version. In a release build this
// would be set via -ldflags; it is a plain constant here since build-info
// injection is outside this spec's scope.
const Version = "0.1.0"

// Orchestrator owns every component handle exclusively and starts/stops
// them in the dependency order spec.md §5 specifies. It is the only
// implementation of control.Handler.
type Orchestrator struct {
	logger *logging.Logger
	cfg    config.Config

	store      *store.Store
	archiver   *archive.Archiver
	q          *queue.Queue
	ingestW    *ingest.Worker
	dispatch   *dispatcher.Dispatcher
	supervisor *supervisor.Supervisor
	control    *control.Server
	exportSink *export.Sink
	metrics    *metrics.Metrics

	startTime time.Time

	mu           sync.Mutex
	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	ingestCancel context.CancelFunc
	ingestDone   chan struct{}

	statsCancel context.CancelFunc
	statsDone   chan struct{}
}

// New wires every component per spec.md §4 but starts none of them. Store
// open failure is fatal at startup, per spec.md §7.
func New(logger *logging.Logger, cfg config.Config) (*Orchestrator, error) {
	st, err := store.Open(logger.With("store"), cfg.DatabasePath, int64(cfg.StoreCap))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	o := &Orchestrator{
		logger:     logger,
		cfg:        cfg,
		store:      st,
		q:          queue.New(int64(cfg.EventBufferSize)),
		metrics:    metrics.New(),
		shutdownCh: make(chan struct{}),
	}

	if cfg.ArchiveEvicted {
		arc, err := archive.New(logger.With("archive"), cfg.ArchiveDir, 100)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		o.archiver = arc
		st.SetArchiveFunc(arc.Archive)
	}

	o.ingestW = ingest.New(logger.With("ingest"), cfg.EventSocketPath, o.q)
	o.dispatch = dispatcher.New(logger.With("dispatcher"), o.q, st)

	sink, err := export.New(logger.With("export"), cfg.NATSURL, cfg.NATSSubject)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open export sink: %w", err)
	}
	o.exportSink = sink
	o.dispatch.RegisterCallback(sink.Callback, "export", 0, model.SeverityInfo)

	o.supervisor = supervisor.New(logger.With("supervisor"), supervisor.Config{
		Binary:         cfg.SuricataBinary,
		ConfigPath:     cfg.SuricataConfig,
		EventSocket:    cfg.EventSocketPath,
		RulesDir:       cfg.SuricataRulesDir,
		LogDir:         cfg.SuricataLogDir,
		Interfaces:     cfg.Interfaces,
		CheckInterval:  time.Duration(cfg.CheckIntervalMS) * time.Millisecond,
		MaxRestarts:    cfg.MaxRestartAttempts,
		GracefulWindow: 10 * time.Second,
	})

	o.control = control.New(logger.With("control"), o)

	return o, nil
}

// Run starts every component in dependency order — store, ingest,
// dispatcher, supervisor, control (the reverse of the spec.md §5 teardown
// order) — then blocks until ctx is canceled or a control-plane `shutdown`
// command arrives, tears everything down in teardown order, and returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	if err := pidfile.Write(o.cfg.PIDFile); err != nil {
		o.logger.Error("pidfile write failed", "error", err)
	}
	defer func() {
		if err := pidfile.Remove(o.cfg.PIDFile); err != nil {
			o.logger.Error("pidfile remove failed", "error", err)
		}
	}()

	ingestCtx, ingestCancel := context.WithCancel(ctx)
	o.ingestCancel = ingestCancel
	o.ingestDone = make(chan struct{})
	go func() {
		defer close(o.ingestDone)
		o.ingestW.Run(ingestCtx)
	}()

	go o.dispatch.Start(ctx)

	statsCtx, statsCancel := context.WithCancel(ctx)
	o.statsCancel = statsCancel
	o.statsDone = make(chan struct{})
	go func() {
		defer close(o.statsDone)
		o.publishStatsLoop(statsCtx)
	}()

	if err := o.supervisor.Start(); err != nil {
		o.logger.LogSupervisorEvent("spawn_failed", "error", err)
	}

	if err := o.control.Start(o.cfg.ControlSocket); err != nil {
		o.shutdown()
		return fmt.Errorf("start control server: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-o.shutdownCh:
	}

	o.shutdown()
	return nil
}

// publishStatsLoop ticks every cfg.StatsIntervalMS and publishes the
// current stats snapshot to the export sink, SPEC_FULL.md Supplemented
// Feature #2. It is a no-op wall-clock-wise on a disabled sink:
// PublishStats just returns immediately.
func (o *Orchestrator) publishStatsLoop(ctx context.Context) {
	interval := time.Duration(o.cfg.StatsIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.exportSink.PublishStats(o.ingestW.LatestStats())
		}
	}
}

// shutdown tears components down in the order control → supervisor →
// dispatcher → ingest → store, spec.md §5.
func (o *Orchestrator) shutdown() {
	o.control.NotifyShuttingDown()
	o.control.Stop()

	if err := o.supervisor.Stop(); err != nil {
		o.logger.LogSupervisorEvent("graceful_stop", "error", err)
	}

	o.dispatch.Stop()

	o.statsCancel()
	<-o.statsDone

	o.ingestCancel()
	<-o.ingestDone
	_ = o.ingestW.Close()

	if err := o.exportSink.Close(); err != nil {
		o.logger.Error("export sink close failed", "error", err)
	}
	if o.archiver != nil {
		_ = o.archiver.Close()
	}
	if err := o.store.Close(); err != nil {
		o.logger.Error("store close failed", "error", err)
	}
}

// RequestShutdown is control.Handler's shutdown hook: it signals Run's
// wait loop to begin teardown and is idempotent under repeated calls.
func (o *Orchestrator) RequestShutdown() {
	o.shutdownOnce.Do(func() { close(o.shutdownCh) })
}

// Status implements control.Handler.
func (o *Orchestrator) Status() control.StatusInfo {
	status := "ok"
	if o.supervisor.State() == supervisor.StateFailed {
		status = "degraded"
	}
	return control.StatusInfo{
		Status:          status,
		Version:         Version,
		UptimeSeconds:   int64(time.Since(o.startTime).Seconds()),
		SuricataRunning: o.supervisor.IsRunning(),
	}
}

// GetStats implements control.Handler: merged supervisor, dispatcher,
// queue, ingest, and store counters plus the last stats snapshot, spec.md
// §4.6.
func (o *Orchestrator) GetStats() control.StatsSnapshot {
	pushed, popped, dropped := o.q.Stats()
	dispatched, storeErrors, _ := o.dispatch.Stats()
	linesRead, parseErrors, _ := o.ingestW.Stats()
	count, _ := o.store.Count()
	latest := o.ingestW.LatestStats()

	snap := control.StatsSnapshot{
		RestartCount:    o.supervisor.RestartCount(),
		QueuePushed:     pushed,
		QueuePopped:     popped,
		QueueDropped:    dropped,
		Dispatched:      dispatched,
		StoreErrors:     storeErrors,
		EventsStored:    count,
		LinesRead:       linesRead,
		ParseErrors:     parseErrors,
		PacketsCaptured: latest.PacketsCaptured,
		PacketsDropped:  latest.PacketsDropped,
		AlertsTotal:     latest.AlertsTotal,
		FlowsActive:     latest.FlowsActive,
		MemoryMB:        latest.MemoryMB,
		UptimeSeconds:   int64(time.Since(o.startTime).Seconds()),
		LatencyMicros:   latest.LatencyMicros,
		Throughput:      latest.Throughput,
	}

	o.metrics.Observe(metrics.Snapshot{
		RestartCount:    snap.RestartCount,
		QueuePushed:     snap.QueuePushed,
		QueuePopped:     snap.QueuePopped,
		QueueDropped:    snap.QueueDropped,
		Dispatched:      snap.Dispatched,
		StoreErrors:     snap.StoreErrors,
		EventsStored:    snap.EventsStored,
		LinesRead:       snap.LinesRead,
		ParseErrors:     snap.ParseErrors,
		PacketsCaptured: snap.PacketsCaptured,
		PacketsDropped:  snap.PacketsDropped,
		AlertsTotal:     snap.AlertsTotal,
		FlowsActive:     snap.FlowsActive,
		MemoryMB:        snap.MemoryMB,
		LatencyMicros:   snap.LatencyMicros,
		Throughput:      snap.Throughput,
	})

	return snap
}

// ReloadRules implements control.Handler.
func (o *Orchestrator) ReloadRules() error {
	return o.supervisor.ReloadRules()
}

// SetConfig implements control.Handler: applies the documented effect for
// the keys that have a live-reconfigurable counterpart and otherwise just
// records the value (log_level, watchdog_interval, stats_interval, and
// eve_socket have no running component that re-reads them without a
// restart; the logger keeps the level it was built with).
func (o *Orchestrator) SetConfig(key, value string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch key {
	case "log_level":
		o.cfg.LogLevel = value
	case "eve_socket":
		o.cfg.EventSocketPath = value
	case "rules_dir":
		o.cfg.SuricataRulesDir = value
	case "max_events":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return vnidserr.Invalid(vnidserr.CodeInvalidParams, fmt.Sprintf("max_events must be a positive integer, got %q", value))
		}
		o.cfg.StoreCap = n
		o.store.SetCap(int64(n))
	case "watchdog_interval":
		n, err := strconv.Atoi(value)
		if err != nil || n < 100 || n > 10000 {
			return vnidserr.Invalid(vnidserr.CodeInvalidParams, fmt.Sprintf("watchdog_interval must be in [100, 10000], got %q", value))
		}
		o.cfg.CheckIntervalMS = n
	case "stats_interval":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1000 || n > 60000 {
			return vnidserr.Invalid(vnidserr.CodeInvalidParams, fmt.Sprintf("stats_interval must be in [1000, 60000], got %q", value))
		}
		o.cfg.StatsIntervalMS = n
	default:
		return vnidserr.Invalid(vnidserr.CodeInvalidConfigKey, fmt.Sprintf("unsupported config key: %s", key))
	}
	return nil
}

// ListRules implements control.Handler: a directory listing over
// suricata.rules_dir, explicitly not rule content parsing (spec.md §1).
func (o *Orchestrator) ListRules() ([]string, error) {
	o.mu.Lock()
	dir := o.cfg.SuricataRulesDir
	o.mu.Unlock()
	if dir == "" {
		return nil, fmt.Errorf("suricata.rules_dir is not configured")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir %s: %w", dir, err)
	}

	var rules []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".rules" {
			continue
		}
		rules = append(rules, e.Name())
	}
	sort.Strings(rules)
	return rules, nil
}

// ValidateRules implements control.Handler: light structural checks only
// (exists, non-empty, readable) — rule syntax itself is out of scope,
// spec.md §1.
func (o *Orchestrator) ValidateRules() ([]control.RuleFileStatus, error) {
	names, err := o.ListRules()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	dir := o.cfg.SuricataRulesDir
	o.mu.Unlock()

	statuses := make([]control.RuleFileStatus, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			statuses = append(statuses, control.RuleFileStatus{Path: name, Valid: false, Error: err.Error()})
			continue
		}
		if info.Size() == 0 {
			statuses = append(statuses, control.RuleFileStatus{Path: name, Valid: false, Error: "empty rule file"})
			continue
		}
		if _, err := os.ReadFile(path); err != nil {
			statuses = append(statuses, control.RuleFileStatus{Path: name, Valid: false, Error: err.Error()})
			continue
		}
		statuses = append(statuses, control.RuleFileStatus{Path: name, Valid: true})
	}
	return statuses, nil
}

// ListEvents implements control.Handler: the most recent rows from the
// bounded store, spec.md §4.1's query_recent contract.
func (o *Orchestrator) ListEvents(max int) ([]control.EventSummary, error) {
	rows, err := o.store.QueryRecent(max)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}

	out := make([]control.EventSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, control.EventSummary{
			Ordinal:  r.Ordinal,
			ID:       r.Event.ID,
			Kind:     r.Event.Kind.String(),
			Severity: r.Event.Severity.String(),
			Protocol: r.Event.Protocol.String(),
			Message:  r.Event.Message,
			Seconds:  r.Event.Seconds,
		})
	}
	return out, nil
}
