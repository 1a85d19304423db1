package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"peer-wan-console/pkg/db"
	"peer-wan-console/pkg/journal"
	"peer-wan-console/pkg/metrics"
	"peer-wan-console/pkg/model"
	"peer-wan-console/pkg/statussync"
	"peer-wan-console/pkg/topology"
)

func runMesh(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("mesh", flag.ExitOnError)
	current := fs.String("node", "", "node to mark as current")
	svgOut := fs.String("svg", "", "write the map as SVG to this file (- for stdout)")
	_ = fs.Parse(args)

	cli, err := a.client()
	if err != nil {
		return err
	}
	m, err := cli.Mesh(ctx)
	if err != nil {
		return err
	}
	nodes := topology.MarkCurrent(m.Nodes, *current)
	dm := topology.Render(a.cfg.Plane, nodes, a.cfg.Plane.Project(nodes), m.Links, nil)

	if *svgOut != "" {
		if *svgOut == "-" {
			return topology.WriteSVG(os.Stdout, dm)
		}
		f, err := os.Create(*svgOut)
		if err != nil {
			return err
		}
		defer f.Close()
		return topology.WriteSVG(f, dm)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tX\tY\tSTATE")
	for _, mk := range dm.Markers {
		state := "ok"
		if mk.Critical {
			state = "critical"
		}
		if mk.Current {
			state += " (current)"
		}
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%s\n", mk.ID, mk.X, mk.Y, state)
	}
	_ = tw.Flush()

	down := topology.DownLinks(m.Links)
	if len(down) == 0 {
		fmt.Println("\nall links healthy")
		return nil
	}
	fmt.Println("\ndown links:")
	tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FROM\tTO\tREASON\tLATENCY\tLOSS")
	for _, l := range down {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.From, l.To, l.Reason, latency(l), loss(l))
	}
	return tw.Flush()
}

func latency(l model.Link) string {
	if l.LatencyMs == nil {
		return "-"
	}
	return fmt.Sprintf("%dms", *l.LatencyMs)
}

func loss(l model.Link) string {
	if l.PacketLoss == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *l.PacketLoss)
}

func (a *app) statusOptions(src statussync.Source, m *metrics.Metrics, onUnauthorized func(error)) statussync.Options {
	return statussync.Options{
		Source:          src,
		Interval:        a.cfg.PollInterval,
		InstallLogLimit: a.cfg.InstallLogLimit,
		BufferSize:      a.cfg.LogBufferSize,
		Metrics:         m,
		OnUnauthorized:  onUnauthorized,
		Log:             a.log,
	}
}

func runWatch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	nodeID := fs.String("node", "", "node to follow (required)")
	_ = fs.Parse(args)
	if *nodeID == "" {
		return errors.New("watch: -node is required")
	}
	cli, err := a.client()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	sess, err := statussync.Start(ctx, *nodeID, a.statusOptions(cli, nil, func(err error) { cancel(err) }))
	if err != nil {
		return err
	}
	defer sess.Stop()
	lines, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	var lastStatus, lastTasks time.Time
	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); !errors.Is(cause, context.Canceled) {
				return cause
			}
			return nil
		case batch, ok := <-lines:
			if !ok {
				return nil
			}
			for _, l := range batch {
				fmt.Println(l)
			}
		case <-ticker.C:
			v := sess.Snapshot()
			if v.Latest != nil && v.LogsUpdated.After(lastStatus) {
				lastStatus = v.LogsUpdated
				fmt.Printf("== install %s %s %s\n", v.Latest.Status, v.Latest.Version, v.Latest.Message)
			}
			if len(v.Tasks) > 0 && v.TasksUpdated.After(lastTasks) {
				lastTasks = v.TasksUpdated
				t := v.Tasks[0]
				fmt.Printf("== task %s %s %s (%d steps)\n", t.ShortID(), t.Type, t.Status, len(t.Steps))
			}
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) openJournal(ctx context.Context) *journal.Journal {
	j, err := journal.Open(ctx, a.cfg.JournalPath)
	if err != nil {
		a.log.Warn().Err(err).Str("path", a.cfg.JournalPath).Msg("rule journal disabled")
		return nil
	}
	return j
}

func (a *app) openAudit() *db.AuditSink {
	if a.cfg.AuditDSN == "" {
		return nil
	}
	conn, err := db.Init(a.cfg.AuditDSN)
	if err != nil {
		a.log.Warn().Err(err).Msg("submission audit disabled")
		return nil
	}
	return db.NewAuditSink(conn)
}
