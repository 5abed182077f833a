package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sessfuzz/sessfuzz/internal/monitor"
	"github.com/sessfuzz/sessfuzz/internal/store"
)

// GraphCmd exports a stored state graph.
type GraphCmd struct {
	Campaign string `arg:"" optional:"" help:"Campaign id (default: latest)" default:"latest"`
	DB       string `help:"Graph database path (overrides config)" type:"path"`
	Format   string `short:"f" help:"Output format: dot, json" default:"dot" enum:"dot,json"`
	Output   string `short:"o" help:"Output file path (prints to stdout if not specified)" type:"path"`
	List     bool   `short:"l" help:"List stored campaigns and exit"`
}

// Run executes the graph command.
func (cmd *GraphCmd) Run(g *Global, _ *CLI) error {
	path := g.Config.Store.Path
	if cmd.DB != "" {
		path = cmd.DB
	}
	if path == "" {
		return fmt.Errorf("no graph database configured (use --db or store.path)")
	}
	db, err := store.Open(path, g.Logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if cmd.List {
		campaigns, err := db.Campaigns(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CAMPAIGN\tUPDATED\tSTATES\tTRANSITIONS")
		for _, c := range campaigns {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", c.ID, c.UpdatedAt.Format(time.RFC3339), c.States, c.Transitions)
		}
		return w.Flush()
	}

	id, err := resolveCampaign(ctx, db, cmd.Campaign)
	if err != nil {
		return err
	}
	snap, err := db.LoadGraph(ctx, id)
	if err != nil {
		return fmt.Errorf("campaign %s: %w", id, err)
	}

	var out []byte
	switch cmd.Format {
	case "json":
		if out, err = monitor.JSON(snap); err != nil {
			return err
		}
	default:
		out = []byte(monitor.DOT(snap))
	}

	if cmd.Output == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	if err := monitor.WriteFile(cmd.Output, out); err != nil {
		return err
	}
	g.Logger.Info("Wrote %s graph of campaign %s to %s", cmd.Format, id, cmd.Output)
	return nil
}
