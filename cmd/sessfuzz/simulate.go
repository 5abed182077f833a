package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/engine"
	"github.com/sessfuzz/sessfuzz/internal/logging"
	"github.com/sessfuzz/sessfuzz/internal/metrics"
	"github.com/sessfuzz/sessfuzz/internal/monitor"
	"github.com/sessfuzz/sessfuzz/internal/protocol"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
	"github.com/sessfuzz/sessfuzz/internal/store"
	"github.com/sessfuzz/sessfuzz/internal/target/ftpsim"
	"github.com/sessfuzz/sessfuzz/internal/transport"
)

// SimulateCmd runs a campaign against the FTP simulator.
type SimulateCmd struct {
	Seeds        string        `help:"Seed directory (default: built-in FTP sessions)" type:"existingdir"`
	Executions   uint64        `short:"n" help:"Stop after this many executions (overrides config)"`
	Duration     time.Duration `short:"d" help:"Stop after this long"`
	Workers      int           `short:"w" help:"Worker count (overrides config)"`
	Raw          bool          `help:"Report traces as raw state id buffers decoded with feedback.state_id_width"`
	Remote       string        `help:"Run sessions on the agent at host:port instead of in-process (overrides config)"`
	Key          string        `help:"Pre-shared agent key (overrides config)" env:"SESSFUZZ_AGENT_KEY"`
	Resume       string        `help:"Campaign id whose stored graph to continue from, or 'latest'"`
	DOT          string        `name:"dot" help:"DOT output path; enables the monitor (overrides config)" type:"path"`
	DB           string        `help:"Graph database path (overrides config)" type:"path"`
	MetricsAddr  string        `help:"Serve Prometheus metrics on this address (overrides config)"`
	EventsOutput string        `help:"Write JSON Line events to: stdout, stderr, or a file path (overrides config)"`
}

// Run executes the simulate command.
func (cmd *SimulateCmd) Run(g *Global, _ *CLI) error {
	cfg := g.Config
	logger := g.Logger
	if cmd.Executions > 0 {
		cfg.Engine.MaxExecutions = cmd.Executions
	}
	if cmd.Workers > 0 {
		cfg.Engine.Workers = cmd.Workers
	}
	if cmd.DOT != "" {
		cfg.Monitor.Enabled = true
		cfg.Monitor.DOTPath = cmd.DOT
	}
	if cmd.DB != "" {
		cfg.Store.Path = cmd.DB
	}
	if cmd.MetricsAddr != "" {
		cfg.Metrics.ListenAddr = cmd.MetricsAddr
	}
	if cmd.EventsOutput != "" {
		cfg.Events.Output = cmd.EventsOutput
	}
	if cmd.Remote != "" {
		cfg.Agent.Address = cmd.Remote
	}
	if cmd.Key != "" {
		cfg.Agent.Key = cmd.Key
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cmd.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Duration)
		defer cancel()
	}

	seeds := ftpsim.Seeds()
	if cmd.Seeds != "" {
		var err error
		if seeds, err = loadSeeds(cmd.Seeds); err != nil {
			return err
		}
		logger.Info("Loaded %d seeds from %s", len(seeds), cmd.Seeds)
	}

	campaign := store.NewCampaignID()
	graph := stategraph.New()
	var db *store.SQLiteStore
	if cfg.Store.Path != "" {
		var err error
		if db, err = store.Open(cfg.Store.Path, logger); err != nil {
			return err
		}
		defer db.Close()
		if cmd.Resume != "" {
			if campaign, err = resolveCampaign(ctx, db, cmd.Resume); err != nil {
				return err
			}
			if err := db.RestoreGraph(ctx, campaign, graph); err != nil {
				return err
			}
			logger.Info("Resuming campaign %s: %d states, %d transitions", campaign, graph.StateCount(), graph.TransitionCount())
		}
	} else if cmd.Resume != "" {
		return errors.New("--resume needs a graph database (--db or store.path)")
	}

	emitter, err := createEmitter(cfg.Events, campaign.String())
	if err != nil {
		return err
	}
	defer emitter.Close()

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Metrics.ListenAddr != "" {
		reg := metrics.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
		shutdown, err := serveMetrics(cfg.Metrics.ListenAddr, reg, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	var exec engine.Executor
	if cfg.Agent.Address != "" {
		remote, err := dialAgent(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer remote.Close()
		defer remote.SendBye()
		if exec, err = engine.NewDecodingExecutor(remote, cfg.Feedback.StateIDWidth); err != nil {
			return err
		}
	} else if exec, err = newExecutor(cmd.Raw, cfg.Feedback.StateIDWidth); err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Settings: cfg,
		Executor: exec,
		Seeds:    seeds,
		Campaign: campaign,
		Graph:    graph,
		Logger:   logger,
		Recorder: recorder,
		Events:   emitter,
	})
	if err != nil {
		return err
	}

	mon, err := monitor.New(monitor.Config{
		Settings: cfg.Monitor,
		Graph:    graph,
		Counters: eng,
		Logger:   logger,
		Events:   emitter,
	})
	if err != nil {
		return err
	}
	mon.Start()

	runErr := eng.Run(ctx)
	if err := mon.Stop(); err != nil {
		logger.Warn("Monitor: %v", err)
	}

	if db != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.SaveGraph(saveCtx, campaign, graph.Snapshot()); err != nil {
			logger.Error("Failed to save graph: %v", err)
		} else {
			logger.Info("Saved graph of campaign %s to %s", campaign, cfg.Store.Path)
		}
	}

	printStats(eng.Stats())
	return runErr
}

func resolveCampaign(ctx context.Context, db *store.SQLiteStore, ref string) (uuid.UUID, error) {
	if ref == "latest" {
		c, err := db.Latest(ctx)
		if err != nil {
			return uuid.Nil, err
		}
		return c.ID, nil
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid campaign id %q: %w", ref, err)
	}
	return id, nil
}

// dialAgent connects to the agent in cfg, retrying until ctx is done.
func dialAgent(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*transport.Transport, error) {
	warnInsecure(logger, cfg.Agent.Key)
	tr, err := transport.New(transport.Config{
		Mode:         transport.ModeConnect,
		PeerAddr:     cfg.Agent.Address,
		Codec:        protocol.NewCodec([]byte(cfg.Agent.Key)),
		ReplyTimeout: cfg.Agent.Timeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	if err := tr.Connect(ctx); err != nil {
		tr.Close()
		return nil, err
	}
	return tr, nil
}

// newExecutor returns the simulator, or with raw set, the simulator behind
// a decoder for width byte state ids.
func newExecutor(raw bool, width int) (engine.Executor, error) {
	if !raw {
		target, err := ftpsim.New(ftpsim.Options{})
		if err != nil {
			return nil, err
		}
		return target, nil
	}
	target, err := ftpsim.New(ftpsim.Options{Width: width})
	if err != nil {
		return nil, &config.Fault{Kind: config.FaultIntegration, Field: "feedback.state_id_width", Err: err}
	}
	exec, err := engine.NewDecodingExecutor(target, width)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// serveMetrics starts the Prometheus endpoint and returns its shutdown func.
func serveMetrics(addr string, reg *prometheus.Registry, logger *logging.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server: %v", err)
		}
	}()
	logger.Info("Serving metrics on http://%s/metrics", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printStats(st engine.Stats) {
	fmt.Printf("executions:   %d (%.0f/s)\n", st.Executions, float64(st.Executions)/max(st.Elapsed.Seconds(), 1e-9))
	fmt.Printf("interesting:  %d\n", st.Interesting)
	fmt.Printf("failures:     %d\n", st.Failures)
	fmt.Printf("corpus:       %d\n", st.Corpus)
	fmt.Printf("states:       %d\n", st.States)
	fmt.Printf("transitions:  %d\n", st.Transitions)

	names := make([]string, 0, len(st.Mutations))
	for name := range st.Mutations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-20s %d\n", name, st.Mutations[name])
	}
}
