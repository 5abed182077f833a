package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/logging"
	"github.com/sessfuzz/sessfuzz/internal/protocol"
	"github.com/sessfuzz/sessfuzz/internal/target/ftpsim"
	"github.com/sessfuzz/sessfuzz/internal/transport"
)

// AgentCmd serves the FTP simulator to a remote fuzzer.
type AgentCmd struct {
	Port  uint16 `short:"p" help:"UDP port to listen on (overrides config)"`
	Key   string `help:"Pre-shared key for authentication (overrides config)" env:"SESSFUZZ_AGENT_KEY"`
	Width int    `help:"State id width reported to the fuzzer: 2, 4 or 8 (default: feedback.state_id_width)"`
}

// Run executes the agent command.
func (cmd *AgentCmd) Run(g *Global, _ *CLI) error {
	cfg := g.Config
	logger := g.Logger
	if cmd.Port != 0 {
		cfg.Agent.Port = cmd.Port
	}
	if cmd.Key != "" {
		cfg.Agent.Key = cmd.Key
	}
	width := cfg.Feedback.StateIDWidth
	if cmd.Width != 0 {
		width = cmd.Width
	}

	target, err := ftpsim.New(ftpsim.Options{Width: width})
	if err != nil {
		return &config.Fault{Kind: config.FaultIntegration, Field: "feedback.state_id_width", Err: err}
	}

	logger.Info("sessfuzz agent %s starting", Version)
	warnInsecure(logger, cfg.Agent.Key)
	tr, err := transport.New(transport.Config{
		Mode:      transport.ModeListen,
		LocalPort: cfg.Agent.Port,
		Codec:     protocol.NewCodec([]byte(cfg.Agent.Key)),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := tr.Serve(ctx, target)
	logger.Info("Agent stopped: %d sessions, %d requests, %d failures", stats.Sessions, stats.Requests, stats.Failures)
	return err
}

func warnInsecure(logger *logging.Logger, key string) {
	if key != "" {
		logger.Info("Authentication enabled (HMAC-SHA256)")
		return
	}
	logger.Warn("*************************************************************")
	logger.Warn("* WARNING: no agent key set (insecure mode)                 *")
	logger.Warn("* Anyone who can reach the agent port can run sessions on   *")
	logger.Warn("* the target. Set agent.key or SESSFUZZ_AGENT_KEY.          *")
	logger.Warn("*************************************************************")
}
