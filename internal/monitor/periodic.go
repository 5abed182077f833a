package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/events"
	"github.com/sessfuzz/sessfuzz/internal/logging"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// Counters reports campaign progress not held by the graph.
type Counters interface {
	Executions() uint64
	CorpusSize() int
}

// Config holds the periodic monitor settings and dependencies.
type Config struct {
	Settings config.MonitorConfig
	Graph    *stategraph.Graph
	// Counters is optional; without it stats carry graph sizes only.
	Counters Counters
	Logger   *logging.Logger
	Events   events.Emitter
}

// Monitor runs the DOT writer and the stats reporter on a schedule. A
// disabled monitor does nothing.
type Monitor struct {
	settings config.MonitorConfig
	graph    *GraphMonitor
	counters Counters
	logger   *logging.Logger
	events   events.Emitter

	scheduler gocron.Scheduler
	started   time.Time
	now       func() time.Time

	mu        sync.Mutex
	lastExecs uint64
	lastAt    time.Time
}

// New creates a monitor. Jobs are registered but not started.
func New(cfg Config) (*Monitor, error) {
	if cfg.Graph == nil {
		return nil, fmt.Errorf("monitor requires a state graph")
	}
	m := &Monitor{
		settings: cfg.Settings,
		graph:    NewGraphMonitor(cfg.Graph),
		counters: cfg.Counters,
		logger:   logging.OrDiscard(cfg.Logger).Named("monitor"),
		events:   events.OrNop(cfg.Events),
		now:      time.Now,
	}
	if !cfg.Settings.Enabled {
		return m, nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if cfg.Settings.DOTPath != "" {
		if _, err := s.NewJob(
			gocron.DurationJob(cfg.Settings.Interval),
			gocron.NewTask(m.exportTask),
			gocron.WithName("dot-writer"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("failed to create DOT writer job: %w", err)
		}
	}
	if _, err := s.NewJob(
		gocron.DurationJob(cfg.Settings.StatsInterval),
		gocron.NewTask(m.ReportStats),
		gocron.WithName("stats"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to create stats job: %w", err)
	}
	m.scheduler = s
	return m, nil
}

// Enabled reports whether the monitor runs periodic jobs.
func (m *Monitor) Enabled() bool {
	return m.scheduler != nil
}

// Graph returns the read-only graph view.
func (m *Monitor) Graph() *GraphMonitor {
	return m.graph
}

// Start begins the periodic jobs.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.started = m.now()
	m.lastAt = m.started
	m.mu.Unlock()
	if m.scheduler == nil {
		return
	}
	m.logger.Debug("Starting monitor (dot every %s, stats every %s)", m.settings.Interval, m.settings.StatsInterval)
	m.scheduler.Start()
}

// Stop shuts the jobs down and writes a final export and stats line.
func (m *Monitor) Stop() error {
	if m.scheduler == nil {
		return nil
	}
	err := m.scheduler.Shutdown()
	if m.settings.DOTPath != "" {
		if exportErr := m.ExportDOT(); exportErr != nil && err == nil {
			err = exportErr
		}
	}
	m.ReportStats()
	return err
}

// ExportDOT writes the graph to the configured DOT path.
func (m *Monitor) ExportDOT() error {
	if m.settings.DOTPath == "" {
		return nil
	}
	if err := WriteFile(m.settings.DOTPath, []byte(m.graph.DOT())); err != nil {
		return err
	}
	m.logger.Trace("Wrote %s", m.settings.DOTPath)
	return nil
}

func (m *Monitor) exportTask() {
	if err := m.ExportDOT(); err != nil {
		m.logger.Warn("DOT export failed: %v", err)
		m.events.Emit(events.EventError, events.ErrorData{Message: err.Error()})
	}
}

// Stats collects the current progress figures. Executions per second are
// measured since the last report.
func (m *Monitor) Stats() events.StatsData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats()
}

func (m *Monitor) stats() events.StatsData {
	g := m.graph.graph
	now := m.now()
	data := events.StatsData{
		Nodes: g.StateCount(),
		Edges: g.TransitionCount(),
	}
	if !m.started.IsZero() {
		data.UptimeSec = now.Sub(m.started).Seconds()
	}
	if m.counters != nil {
		data.Executions = m.counters.Executions()
		data.Corpus = m.counters.CorpusSize()
		if elapsed := now.Sub(m.lastAt).Seconds(); elapsed > 0 && data.Executions >= m.lastExecs {
			data.ExecsPerSec = float64(data.Executions-m.lastExecs) / elapsed
		}
	}
	return data
}

// ReportStats logs a stats line and emits a stats event.
func (m *Monitor) ReportStats() {
	m.mu.Lock()
	data := m.stats()
	m.lastExecs, m.lastAt = data.Executions, m.now()
	m.mu.Unlock()

	m.logger.Stats("states=%d transitions=%d execs=%d exec/s=%.1f corpus=%d",
		data.Nodes, data.Edges, data.Executions, data.ExecsPerSec, data.Corpus)
	m.events.Emit(events.EventStats, data)
}
