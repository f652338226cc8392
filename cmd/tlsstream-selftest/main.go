// Command tlsstream-selftest runs a TLS stream against itself or a TCP peer.
//
// Modes:
//   - loopback: client and server over in-memory pipes.
//   - server: accept one TCP client and expect the payload, e.g. from
//     `openssl s_client -connect 127.0.0.1:4433 < payload`.
//   - client: send the payload, or an HTTP GET when request is set, e.g. to
//     `openssl s_server -accept 4433 -WWW`.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"tls-stream/config"
	"tls-stream/observability"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type Options struct {
	ConfigPath string
	Mode       string
}

func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("tlsstream-selftest", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Mode, "mode", "", "Override mode: loopback, server or client")
	_ = fs.Parse(args)
	return opts
}

func main() {
	os.Exit(run(ParseFlags(os.Args[1:])))
}

func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Mode != "" {
		cfg.Mode = opts.Mode
	}

	logger, closeLogger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = closeLogger() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	h, err := newHarness(cfg, clock.New(), logger)
	if err != nil {
		logger.Error("preparing self test", zap.Error(err))
		return 1
	}

	logger.Info("self test started", zap.String("mode", cfg.Mode), zap.String("addr", cfg.Addr))

	switch cfg.Mode {
	case config.ModeLoopback:
		err = h.loopback(ctx)
	case config.ModeServer:
		err = h.server(ctx)
	case config.ModeClient:
		var resp []byte
		resp, err = h.client(ctx)
		if err == nil && len(resp) > 0 {
			_, err = os.Stdout.Write(resp)
		}
	default:
		logger.Error("unknown mode", zap.String("mode", cfg.Mode))
		return 2
	}

	if err != nil {
		logger.Error("self test failed", zap.Error(err))
		return 1
	}
	logger.Info("self test passed")
	return 0
}
