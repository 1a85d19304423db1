package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"peer-wan-console/pkg/client"
	"peer-wan-console/pkg/config"
	"peer-wan-console/pkg/logging"
	"peer-wan-console/pkg/version"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, app *app, args []string) error
}

var commands = []command{
	{"mesh", "show the mesh map (text summary or -svg)", runMesh},
	{"watch", "follow install status, tasks and the log tail of a node", runWatch},
	{"policy", "show, edit and submit a node policy", runPolicy},
	{"diag", "request and print node diagnostics", runDiag},
	{"history", "list journaled rule edits of a node, or audited submissions with -audit", runHistory},
	{"serve", "run the local console view server", runServe},
	{"whoami", "decode the configured bearer token", runWhoami},
	{"version", "print the build version", nil},
}

// app carries the loaded configuration and shared dependencies.
type app struct {
	cfg config.Config
	log zerolog.Logger
}

func (a *app) client() (*client.Client, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := client.TLSConfig(a.cfg.TLS.CAFile, a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile, a.cfg.TLS.Insecure)
	if err != nil {
		return nil, err
	}
	return client.New(client.Options{BaseURL: a.cfg.BaseURL, Token: a.cfg.Token, TLS: tlsCfg}, a.log)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: console [-config file] <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
}

func main() {
	configPath := flag.String("config", os.Getenv("CONSOLE_CONFIG"), "YAML config file (optional)")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	name, args := flag.Arg(0), flag.Args()[1:]
	if name == "version" {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	a := &app{cfg: cfg, log: logging.New(cfg.LogLevel)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, c := range commands {
		if c.name != name || c.run == nil {
			continue
		}
		if err := c.run(ctx, a, args); err != nil {
			if errors.Is(err, client.ErrUnauthorized) {
				fmt.Fprintln(os.Stderr, "unauthorized: the controller rejected the token; log in again and update PEERWAN_TOKEN")
				os.Exit(3)
			}
			a.log.Error().Err(err).Str("command", name).Msg("command failed")
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
	usage()
	os.Exit(2)
}
