package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sessfuzz/sessfuzz/internal/capture"
	"github.com/sessfuzz/sessfuzz/internal/session"
)

// seedExt is the file extension of encoded sessions in a seed directory.
const seedExt = ".sess"

// ImportCmd converts captures into seed files.
type ImportCmd struct {
	Captures         []string `arg:"" help:"pcap or pcapng files" type:"existingfile"`
	Output           string   `short:"o" help:"Seed directory" default:"seeds" type:"path"`
	IncludeResponses bool     `help:"Keep server payloads as messages (overrides config)"`
	Tagger           string   `help:"Message tagger: none|text (overrides config)"`
	EventsOutput     string   `help:"Write JSON Line events to: stdout, stderr, or a file path (overrides config)"`
}

// Run executes the import command.
func (cmd *ImportCmd) Run(g *Global, _ *CLI) error {
	cfg := g.Config
	if cmd.IncludeResponses {
		cfg.Capture.IncludeResponses = true
	}
	if cmd.Tagger != "" {
		cfg.Capture.Tagger = cmd.Tagger
	}
	if cmd.EventsOutput != "" {
		cfg.Events.Output = cmd.EventsOutput
	}

	tagger, err := capture.TaggerByName(cfg.Capture.Tagger)
	if err != nil {
		return err
	}
	emitter, err := createEmitter(cfg.Events, "")
	if err != nil {
		return err
	}
	defer emitter.Close()

	im, err := capture.New(capture.Config{
		IncludeResponses: cfg.Capture.IncludeResponses,
		MaxSessionLength: cfg.Mutator.MaxSessionLength,
		Tagger:           tagger,
		Logger:           g.Logger,
		Events:           emitter,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cmd.Output, 0755); err != nil {
		return fmt.Errorf("failed to create seed directory: %w", err)
	}

	var written, duplicates int
	for _, path := range cmd.Captures {
		inputs, stats, err := im.ImportFile(path)
		if err != nil {
			return err
		}
		for _, in := range inputs {
			ok, err := writeSeed(cmd.Output, in)
			if err != nil {
				return err
			}
			if ok {
				written++
			} else {
				duplicates++
			}
		}
		if stats.Skipped > 0 {
			g.Logger.Warn("%s: skipped %d (%s)", filepath.Base(path), stats.Skipped, formatReasons(stats.SkippedReasons))
		}
	}
	g.Logger.Info("Wrote %d seeds to %s (%d already present)", written, cmd.Output, duplicates)
	return nil
}

// writeSeed stores in under its content hash. It reports false when the
// file already exists.
func writeSeed(dir string, in *session.Input) (bool, error) {
	path := filepath.Join(dir, in.Hash()+seedExt)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, session.Encode(in), 0644); err != nil {
		return false, fmt.Errorf("failed to write seed: %w", err)
	}
	return true, nil
}

// loadSeeds decodes every seed file in dir, in name order.
func loadSeeds(dir string) ([]*session.Input, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+seedExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	seeds := make([]*session.Input, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read seed: %w", err)
		}
		in, err := session.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		seeds = append(seeds, in)
	}
	return seeds, nil
}

func formatReasons(reasons map[string]int) string {
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, reasons[k])
	}
	return strings.Join(parts, " ")
}
