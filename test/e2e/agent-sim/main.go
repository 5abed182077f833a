// Package main provides the agent-sim tool for E2E testing.
// agent-sim checks a running sessfuzz agent and serves a slow one for
// manual reply timeout testing.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/engine"
	"github.com/sessfuzz/sessfuzz/internal/logging"
	"github.com/sessfuzz/sessfuzz/internal/protocol"
	"github.com/sessfuzz/sessfuzz/internal/target/ftpsim"
	"github.com/sessfuzz/sessfuzz/internal/transport"
)

type CLI struct {
	Test  TestCmd  `cmd:"" help:"Run E2E checks against a running agent"`
	Serve ServeCmd `cmd:"" help:"Serve the FTP simulator with added latency"`
}

// TestCmd runs the E2E checks.
type TestCmd struct {
	Agent   string        `required:"" help:"Agent address (host:port)"`
	Key     string        `help:"Pre-shared key of the agent" env:"SESSFUZZ_AGENT_KEY"`
	Width   int           `default:"2" help:"State id width the agent reports"`
	Timeout time.Duration `default:"5s" help:"Reply timeout"`
	Verbose bool          `short:"v" help:"Log transport activity"`
}

type check struct {
	name string
	run  func(ctx context.Context) error
}

func (cmd *TestCmd) Run() error {
	logger := logging.Discard()
	if cmd.Verbose {
		logger = logging.NewLogger(logging.LevelDebug)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("=== sessfuzz agent E2E Tests ===")
	fmt.Printf("Agent: %s (secure: %v, width: %d)\n\n", cmd.Agent, cmd.Key != "", cmd.Width)

	var fuzzer *transport.Transport
	checks := []check{
		{"Handshake", func(ctx context.Context) error {
			var err error
			fuzzer, err = cmd.dial(ctx, cmd.Key, logger)
			return err
		}},
		{"Seeds replay", func(ctx context.Context) error {
			return checkSeeds(ctx, fuzzer, cmd.Width)
		}},
		{"Login reached", func(ctx context.Context) error {
			return checkLogin(ctx, fuzzer, cmd.Width)
		}},
		{"Wrong key rejected", func(ctx context.Context) error {
			if cmd.Key == "" {
				fmt.Print("(skipped, insecure agent) ")
				return nil
			}
			ctx, cancel := context.WithTimeout(ctx, transport.HandshakeTimeout+time.Second)
			defer cancel()
			tr, err := cmd.dial(ctx, cmd.Key+"-wrong", logger)
			if err == nil {
				tr.Close()
				return errors.New("handshake succeeded with the wrong key")
			}
			return nil
		}},
	}

	passed, failed := 0, 0
	for i, c := range checks {
		fmt.Printf("Test %d: %s... ", i+1, c.name)
		if err := c.run(ctx); err != nil {
			fmt.Printf("FAILED\n  %v\n", err)
			failed++
			if fuzzer == nil {
				break
			}
			continue
		}
		fmt.Println("PASSED")
		passed++
	}
	if fuzzer != nil {
		_ = fuzzer.SendBye()
		fuzzer.Close()
	}

	fmt.Printf("\nResults: %d passed, %d failed\n", passed, failed)
	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}

func (cmd *TestCmd) dial(ctx context.Context, key string, logger *logging.Logger) (*transport.Transport, error) {
	tr, err := transport.New(transport.Config{
		Mode:         transport.ModeConnect,
		PeerAddr:     cmd.Agent,
		Codec:        protocol.NewCodec([]byte(key)),
		ReplyTimeout: cmd.Timeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, transport.HandshakeTimeout+time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		tr.Close()
		return nil, err
	}
	return tr, nil
}

func checkSeeds(ctx context.Context, fuzzer *transport.Transport, width int) error {
	exec, err := engine.NewDecodingExecutor(fuzzer, width)
	if err != nil {
		return err
	}
	for i, seed := range ftpsim.Seeds() {
		trace, err := exec.Execute(ctx, seed)
		if err != nil {
			return fmt.Errorf("seed %d: %w", i, err)
		}
		if len(trace) == 0 {
			return fmt.Errorf("seed %d: empty trace", i)
		}
	}
	return nil
}

func checkLogin(ctx context.Context, fuzzer *transport.Transport, width int) error {
	exec, err := engine.NewDecodingExecutor(fuzzer, width)
	if err != nil {
		return err
	}
	trace, err := exec.Execute(ctx, ftpsim.Seeds()[0])
	if err != nil {
		return err
	}
	for _, id := range trace {
		if phase, code := ftpsim.Split(id); phase == ftpsim.PhaseLoggedIn && code == 230 {
			return nil
		}
	}
	return fmt.Errorf("no logged-in state in trace %v", trace)
}

// ServeCmd runs an agent whose executions are slowed down.
type ServeCmd struct {
	Port    uint16        `short:"p" default:"31415" help:"UDP port to listen on"`
	Key     string        `help:"Pre-shared key" env:"SESSFUZZ_AGENT_KEY"`
	Width   int           `default:"2" help:"State id width to report"`
	Latency time.Duration `default:"0s" help:"Base execution latency"`
	Jitter  time.Duration `default:"0s" help:"Latency jitter (+/-)"`
}

func (cmd *ServeCmd) Run() error {
	target, err := ftpsim.New(ftpsim.Options{Width: cmd.Width})
	if err != nil {
		return &config.Fault{Kind: config.FaultConfiguration, Field: "width", Err: err}
	}
	logger := logging.NewLogger(logging.LevelInfo)
	tr, err := transport.New(transport.Config{
		Mode:      transport.ModeListen,
		LocalPort: cmd.Port,
		Codec:     protocol.NewCodec([]byte(cmd.Key)),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Latency: %v +/- %v", cmd.Latency, cmd.Jitter)
	stats, err := tr.Serve(ctx, &slowExecutor{next: target, latency: NewLatencyConfig(cmd.Latency, cmd.Jitter)})
	logger.Info("Served %d requests (%d failed) in %d sessions", stats.Requests, stats.Failures, stats.Sessions)
	return err
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("agent-sim"),
		kong.Description("End-to-end checks for the sessfuzz agent."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
