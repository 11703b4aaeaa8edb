// Package cmd wires up the CLI flags and runs the server, the client,
// or both in one process.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"dennis/config"
	"dennis/internal/acceptor"
	"dennis/internal/client"
	"dennis/internal/metrics"
	"dennis/internal/ready"
	"dennis/internal/responder"
	"dennis/internal/server"
	"dennis/internal/transport"
	"dennis/internal/ui"
	"dennis/tunnel"
	"dennis/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X dennis/cmd.version=1.1.0"
var version = "1.0.0" //nolint:gochecknoglobals

// sshKeepAlive is the probe interval for tunnelled chat connections.
const sshKeepAlive = 30 * time.Second

// Execute parses args and runs the selected mode on the process's
// standard streams.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdin, os.Stdout)
}

func execute(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	cfg := config.Default()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("dennis", flag.ContinueOnError)

	mode := string(cfg.Mode)
	fs.StringVarP(&mode, "mode", "m", mode, "What to run: all, server or client")

	// ── connection ───────────────────────────────────────────────
	fs.StringVarP(&cfg.Host, "host", "H", cfg.Host, "Address to listen on / dial")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Chat port")
	fs.DurationVar(&cfg.ConnTimeout, "conn-timeout", cfg.ConnTimeout, "Dial timeout")

	// ── server pipeline ──────────────────────────────────────────
	fs.DurationVarP(&cfg.Delay, "delay", "d", cfg.Delay, "Wait before each reply (at least 1s)")
	fs.DurationVar(&cfg.ResponderTimeout, "responder-timeout", cfg.ResponderTimeout, "Bound on one responder call (0 disables)")
	fs.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "Maximum concurrent chat connections")

	// ── responder ────────────────────────────────────────────────
	fs.StringVarP(&cfg.Responder, "responder", "r", cfg.Responder, "Responder: openai or echo")
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "OpenAI-compatible API base URL")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key (prefer DENNIS_API_KEY)")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "Chat model name")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "Extra attempts for transient responder failures")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Reach the server through SSH: [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.BoolVar(&cfg.NoUI, "no-ui", cfg.NoUI, "Plain stdin/stdout instead of the terminal UI")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Write logs to this file")
	envVerbose := cfg.Verbose
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate configuration and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "dennis %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Arg(0))
	}
	cfg.Mode = config.Mode(mode)
	if !fs.Changed("verbose") {
		cfg.Verbose = envVerbose
	}

	// ── tunnel spec ──────────────────────────────────────────────
	if cfg.TunnelSpec != "" {
		user, host, port, err := config.ParseTunnelSpec(cfg.TunnelSpec)
		if err != nil {
			return fmt.Errorf("tunnel: %w", err)
		}
		cfg.TunnelEnabled = true
		cfg.TunnelUser = user
		cfg.TunnelHost = host
		cfg.TunnelPort = port
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.DryRun {
		printSummary(stdout, cfg)
		return nil
	}

	// ── logging ──────────────────────────────────────────────────
	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	return run(ctx, cfg, logger, stdin, stdout)
}

// run starts the server half, waits for it to be listening, then runs
// the client half.  In combined mode the client ending stops the server.
func run(ctx context.Context, cfg *config.Config, logger *util.Logger, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	sig := ready.New()

	if cfg.RunsServer() {
		acc := acceptor.New(sig, logger)
		conns, err := acc.Listen(gctx, cfg.Address())
		if err != nil {
			return err
		}
		srv := server.New(buildResponder(cfg, logger), server.Config{
			Delay:            cfg.Delay,
			ResponderTimeout: cfg.ResponderTimeout,
			MaxConns:         int64(cfg.MaxConns),
		}, logger, server.WithMetrics(metrics.New()))

		g.Go(func() error {
			if err := srv.Serve(gctx, conns); err != nil {
				return err
			}
			return acc.Err()
		})
	} else {
		// The server is another process; its port is taken as ready.
		sig.Set(true)
	}

	if cfg.RunsClient() {
		g.Go(func() error {
			defer cancel()
			return runClient(gctx, cfg, sig, logger, stdin, stdout)
		})
	}

	return g.Wait()
}

func runClient(ctx context.Context, cfg *config.Config, sig *ready.Signal, logger *util.Logger, stdin io.Reader, stdout io.Writer) error {
	dialer := buildDialer(cfg, logger)
	defer dialer.Close()

	if cfg.NoUI {
		surface := ui.NewLines(stdout)
		disp := ui.NewDispatcher(surface)
		defer func() {
			disp.Close()
			disp.Wait()
		}()

		sess := client.New(cfg.Address(), dialer, disp, logger, client.WithReadiness(sig))
		defer sess.Close()
		if err := sess.Start(ctx); err != nil {
			return err
		}

		in := make(chan error, 1)
		go func() { in <- surface.Run(ctx, stdin, sess.Submit) }()
		select {
		case err := <-in:
			if err != nil && ctx.Err() == nil {
				return err
			}
		case <-sess.Done():
		}
		return nil
	}

	tui, err := ui.NewTUI(" Dennis ", "dennis "+version+" | "+cfg.Address())
	if err != nil {
		return err
	}
	disp := ui.NewDispatcher(tui)
	sess := client.New(cfg.Address(), dialer, disp, logger, client.WithReadiness(sig))

	go func() {
		if err := sess.Start(ctx); err != nil {
			logger.Error("%v", err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			tui.Stop()
		case <-tui.Done():
		}
	}()

	err = tui.Run(sess.Submit)
	sess.Close()
	disp.Close()
	disp.Wait()
	return err
}

// ── builders ─────────────────────────────────────────────────────────

func buildLogger(cfg *config.Config) (*util.Logger, func(), error) {
	logger := util.NewLogger(cfg.Verbose)
	logger.SetTimestamps(cfg.Verbose >= 3)

	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		logger.SetOutput(f)
		return logger, func() { f.Close() }, nil
	case cfg.RunsClient() && !cfg.NoUI:
		// stderr would draw over the terminal UI.
		logger.SetOutput(io.Discard)
	}
	return logger, func() {}, nil
}

func buildResponder(cfg *config.Config, logger *util.Logger) responder.Responder {
	if cfg.Responder == config.ResponderEcho {
		return responder.Echo{}
	}
	backend := responder.NewOpenAI(responder.Config{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
		Timeout:  cfg.ResponderTimeout,
	})
	return responder.NewResilient(backend, responder.ResilientConfig{
		Retries:         cfg.Retries,
		BreakerFailures: cfg.BreakerFailures,
		BreakerReset:    cfg.BreakerReset,
	}, logger)
}

func buildDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	if !cfg.TunnelEnabled {
		return &transport.TCPDialer{Timeout: cfg.ConnTimeout}
	}
	return transport.NewSSHDialer(&tunnel.SSHConfig{
		User:          cfg.TunnelUser,
		Host:          cfg.TunnelHost,
		Port:          cfg.TunnelPort,
		KeyPath:       cfg.SSHKeyPath,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
		ConnTimeout:   cfg.ConnTimeout,
		KeepAlive:     sshKeepAlive,
	}, logger)
}

// ── output ───────────────────────────────────────────────────────────

func printSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "mode:      %s\n", cfg.Mode)
	fmt.Fprintf(w, "address:   %s\n", cfg.Address())
	if cfg.RunsServer() {
		fmt.Fprintf(w, "delay:     %v\n", cfg.Delay)
		fmt.Fprintf(w, "responder: %s", cfg.Responder)
		if cfg.Responder == config.ResponderOpenAI {
			fmt.Fprintf(w, " (%s at %s)", cfg.Model, cfg.Endpoint)
		}
		fmt.Fprintln(w)
	}
	if cfg.TunnelEnabled {
		fmt.Fprintf(w, "tunnel:    %s@%s:%d\n", cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort)
	}
	fmt.Fprintln(w, "configuration OK")
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `dennis – terminal chat with an AI responder v%s

Runs a line-relay chat server and a terminal client.  Each message is
held for the configured delay, answered by the responder, and shown as
one reply before the next message can be sent.

Usage:
  dennis [options]                          Server and client together
  dennis --mode=server [options]            Server only
  dennis --mode=client [options]            Client only

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Environment:
  DENNIS_API_KEY (or DEEPINFRA_API_KEY), DENNIS_MODEL, DENNIS_ENDPOINT,
  DENNIS_PORT, DENNIS_DELAY, ... override defaults; flags override both.

Examples:
  dennis                                    Chat with the DeepInfra model
  dennis -r echo                            Offline, no API key needed
  dennis -m server -H 0.0.0.0               Serve on all interfaces
  dennis -m client -T admin@bastion         Reach a server behind SSH
  echo "hello" | dennis -r echo --no-ui     Scripted session
`)
}
