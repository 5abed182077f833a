package main

import (
	"fmt"
	"os"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/events"
)

// createEmitter builds the event outputs selected in cfg. Returns a
// NopEmitter if none is configured.
func createEmitter(cfg config.EventsConfig, campaign string) (events.Emitter, error) {
	var out events.Multi

	switch cfg.Output {
	case "":
	case "stdout", "-":
		out = append(out, events.NewJSONLineWriter(os.Stdout, campaign))
	case "stderr":
		out = append(out, events.NewJSONLineWriter(os.Stderr, campaign))
	default:
		f, err := os.OpenFile(cfg.Output, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("open events output %q: %w", cfg.Output, err)
		}
		out = append(out, events.NewJSONLineWriter(f, campaign))
	}

	if cfg.NATSURL != "" {
		n, err := events.DialNATS(cfg.NATSURL, cfg.NATSSubject, campaign)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		out = append(out, n)
	}

	switch len(out) {
	case 0:
		return events.NopEmitter{}, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}
