package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"peer-wan-console/pkg/api"
	"peer-wan-console/pkg/client"
	"peer-wan-console/pkg/metrics"
	"peer-wan-console/pkg/model"
	"peer-wan-console/pkg/policy"
	"peer-wan-console/pkg/statussync"
	"peer-wan-console/pkg/watch"
)

// controllerOptions wires the editor to the client plus the optional journal
// and audit sinks. Close the returned sinks when done.
func (a *app) controllerOptions(ctx context.Context, cli *client.Client, m *metrics.Metrics) (policy.Options, *sinks) {
	opts := policy.Options{
		API:     cli,
		Mesh:    cli,
		Metrics: m,
		Actor:   "console",
		Log:     a.log,
	}
	if claims, ok := cli.Identity(); ok && claims.Username != "" {
		opts.Actor = claims.Username
	}
	closer := &sinks{}
	if j := a.openJournal(ctx); j != nil {
		opts.Journal = j
		closer.journal = j
	}
	if sink := a.openAudit(); sink != nil {
		opts.Auditor = sink
		closer.audit = sink
	}
	return opts, closer
}

type sinks struct {
	journal interface{ Close() error }
	audit   interface{ Close() error }
}

func (c *sinks) Close() {
	if c.journal != nil {
		_ = c.journal.Close()
	}
	if c.audit != nil {
		_ = c.audit.Close()
	}
}

func runPolicy(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("policy", flag.ExitOnError)
	nodeID := fs.String("node", "", "node whose policy is edited (required)")
	raw := fs.Bool("raw", false, "print the unmodified server policy and exit")
	prefix := fs.String("prefix", "", "rule prefix: CIDR, IP or geoip:CC")
	domains := fs.String("domains", "", "rule domains, comma separated")
	via := fs.String("via", "", "egress node when no path is given")
	path := fs.String("path", "", "explicit hop list, comma separated; the last hop is the egress")
	remove := fs.Int("remove", -1, "remove the rule at this position")
	egress := fs.String("egress", "", "set the egress peer")
	bypass := fs.String("bypass", "", "set bypass CIDRs, comma separated")
	defaultRoute := fs.String("default-route", "", "set the default-route flag (true/false)")
	nextHop := fs.String("next-hop", "", "set the default-route next hop")
	preview := fs.Bool("preview", false, "expand every rule to concrete prefixes")
	submit := fs.Bool("submit", false, "submit the resulting policy")
	_ = fs.Parse(args)
	if *nodeID == "" {
		return errors.New("policy: -node is required")
	}

	cli, err := a.client()
	if err != nil {
		return err
	}
	opts, closer := a.controllerOptions(ctx, cli, nil)
	defer closer.Close()
	ctrl := policy.NewController(opts)
	if err := ctrl.Open(ctx, *nodeID); err != nil {
		return err
	}
	defer ctrl.Close()

	if *raw {
		body, err := ctrl.RawPolicy(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(body))
		return err
	}

	if *remove >= 0 {
		if err := ctrl.RemoveRule(ctx, *remove); err != nil {
			return err
		}
	}
	if *prefix != "" || *domains != "" {
		if hops := policy.SplitList(*path); len(hops) > 0 {
			if m, err := cli.Mesh(ctx); err == nil {
				ctrl.SetMesh(m)
			} else {
				a.log.Warn().Err(err).Msg("mesh unavailable; hop health not checked")
			}
			for _, h := range hops {
				if _, err := ctrl.Pick(h); err != nil {
					return err
				}
			}
			for _, d := range ctrl.Path().Degraded {
				fmt.Fprintf(os.Stderr, "warning: hop %s -> %s is down %s\n", d.From, d.To, d.Reason)
			}
			if _, err := ctrl.ConfirmPath(); err != nil {
				return err
			}
		}
		if _, err := ctrl.AddRule(ctx, policy.Draft{Prefix: *prefix, Domains: policy.DomainText(*domains), ViaNode: *via}); err != nil {
			return err
		}
	}

	if *egress != "" || *bypass != "" || *defaultRoute != "" || *nextHop != "" {
		d := ctrl.Defaults()
		if *egress != "" {
			d.EgressPeerID = *egress
		}
		if *bypass != "" {
			d.BypassCIDRs = policy.SplitList(*bypass)
		}
		if *defaultRoute != "" {
			b, err := strconv.ParseBool(*defaultRoute)
			if err != nil {
				return fmt.Errorf("-default-route: %w", err)
			}
			d.DefaultRoute = b
		}
		if *nextHop != "" {
			d.DefaultRouteNextHop = *nextHop
		}
		if err := ctrl.SetDefaults(d); err != nil {
			return err
		}
	}

	if *preview {
		exp := a.expander()
		for i, r := range ctrl.Rules() {
			fmt.Printf("rule %d via %s: %v\n", i, r.ViaNode, exp.Expand(ctx, r))
		}
	}

	doc, err := ctrl.Document()
	if err != nil {
		return err
	}
	if err := printJSON(doc); err != nil {
		return err
	}
	if *submit {
		if err := ctrl.Submit(ctx); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "policy submitted")
	}
	return nil
}

func (a *app) expander() *policy.Expander {
	return policy.NewExpander(policy.ExpanderConfig{
		SourceV4: a.cfg.GeoIP.SourceV4,
		SourceV6: a.cfg.GeoIP.SourceV6,
		CacheDir: a.cfg.GeoIP.CacheDir,
		CacheTTL: a.cfg.GeoIP.CacheTTL,
	}, a.log)
}

func runDiag(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("diag", flag.ExitOnError)
	nodeID := fs.String("node", "", "node to diagnose (required)")
	wait := fs.Duration("wait", 3*time.Second, "delay before reading the result")
	_ = fs.Parse(args)
	if *nodeID == "" {
		return errors.New("diag: -node is required")
	}
	cli, err := a.client()
	if err != nil {
		return err
	}
	if err := cli.SendCommand(ctx, *nodeID, "diag"); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(*wait):
	}
	items, err := cli.Diagnostics(ctx, *nodeID, 1)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no diagnostic result yet; retry in a few seconds")
		return nil
	}
	res := items[len(items)-1]
	fmt.Printf("%s  %s\n", res.Timestamp.Format(time.RFC3339), res.Summary)
	for _, c := range res.Checks {
		fmt.Printf("  [%s] %s %s\n", c.Status, c.Name, c.Detail)
	}
	return nil
}

func runHistory(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	nodeID := fs.String("node", "", "node (required unless -audit)")
	limit := fs.Int("limit", 20, "max entries")
	audit := fs.Bool("audit", false, "list submissions from the shared audit trail instead")
	_ = fs.Parse(args)
	if *audit {
		sink := a.openAudit()
		if sink == nil {
			return errors.New("audit trail unavailable; set auditDsn")
		}
		defer sink.Close()
		entries, err := sink.Recent(ctx, *nodeID, *limit)
		if err != nil {
			return err
		}
		return writeAudit(os.Stdout, entries)
	}
	if *nodeID == "" {
		return errors.New("history: -node is required")
	}
	j := a.openJournal(ctx)
	if j == nil {
		return errors.New("rule journal unavailable")
	}
	defer j.Close()
	ops, err := j.List(ctx, *nodeID, *limit)
	if err != nil {
		return err
	}
	for _, op := range ops {
		fmt.Printf("%s  %-6s %s  %s\n", op.Time.Format(time.RFC3339), op.Op, op.RuleHash[:12], op.Detail)
	}
	return nil
}

func writeAudit(w io.Writer, entries []model.AuditEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTOR\tACTION\tNODE\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.Target, e.Detail)
	}
	return tw.Flush()
}

func runWhoami(ctx context.Context, a *app, args []string) error {
	cli, err := a.client()
	if err != nil {
		return err
	}
	claims, ok := cli.Identity()
	if !ok {
		fmt.Println("token is not a JWT; identity unknown")
		return nil
	}
	fmt.Printf("user: %s (id %d)\n", claims.Username, claims.UserID)
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		if err := claims.Check(time.Now()); err != nil {
			fmt.Printf("expired: %s\n", exp.Format(time.RFC3339))
			return nil
		}
		fmt.Printf("expires: %s (in %s)\n", exp.Format(time.RFC3339), time.Until(exp).Round(time.Second))
	}
	return nil
}

func runServe(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", a.cfg.Listen, "listen address")
	_ = fs.Parse(args)

	cli, err := a.client()
	if err != nil {
		return err
	}
	m := metrics.New()
	tracker := statussync.NewTracker(ctx, a.statusOptions(cli, m, func(err error) {
		a.log.Warn().Err(err).Msg("status feed stopped; token must be renewed")
	}))
	opts, closer := a.controllerOptions(ctx, cli, m)
	defer closer.Close()
	opts.Sessions = func(_ context.Context, nodeID string) (policy.Session, error) {
		s, err := tracker.Start(nodeID)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	ctrl := policy.NewController(opts)
	defer ctrl.Close()

	var history api.HistorySource
	if j, ok := opts.Journal.(api.HistorySource); ok {
		history = j
	}
	srv := api.NewServer(api.Options{
		Mesh:       cli,
		Controller: ctrl,
		Status:     tracker,
		Expander:   a.expander(),
		History:    history,
		Plane:      a.cfg.Plane,
		Metrics:    m,
		Log:        a.log,
	})

	if watch.Enabled() {
		err := watch.StartPlanWatch(ctx, a.cfg.ConsulAddr, a.cfg.ConsulToken, a.log, func(v int64) {
			mesh, err := cli.Mesh(ctx)
			if err != nil {
				a.log.Warn().Err(err).Msg("mesh refresh after plan change failed")
				return
			}
			ctrl.SetMesh(mesh)
			a.log.Info().Int64("planVersion", v).Msg("mesh refreshed")
		})
		if err != nil {
			a.log.Warn().Err(err).Msg("plan watch disabled")
		}
	}

	hs := &http.Server{
		Addr:              *listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", *listen).Msg("console listening")
		errCh <- hs.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
