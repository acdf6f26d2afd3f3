// Command meshd runs a mesh node: a runtime over the configured transport
// binding, optionally serving the HTTP gateway other processes publish
// and subscribe through.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roasbeef/agentmesh/internal/build"
	"github.com/roasbeef/agentmesh/internal/config"
	"github.com/roasbeef/agentmesh/internal/orchestrator"
	"github.com/roasbeef/agentmesh/internal/runtime"
	"github.com/roasbeef/agentmesh/internal/sidecar"
	"github.com/roasbeef/agentmesh/internal/transport"
	"github.com/roasbeef/agentmesh/internal/transport/broker"
	"github.com/roasbeef/agentmesh/internal/transport/httpgw"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootCommand assembles the meshd CLI surface.
func rootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:     "meshd",
		Short:   "agentmesh node daemon",
		Version: build.Version(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(
				config.WithFile(configFile),
				config.WithFlags(cmd.Flags()),
			)
			if err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to YAML config file")
	flags.String("log.level", "info", "log level")
	flags.String("log.dir", "", "log file directory (empty disables)")
	flags.String("transport.mode", "inproc",
		"transport binding: inproc, http, or nats")
	flags.String("gateway.listen", ":8080",
		"gateway listen address (empty disables)")
	flags.String("gateway.url", "http://localhost:8080",
		"gateway endpoint for the http binding")
	flags.String("nats.url", "nats://localhost:4222", "broker endpoint")

	return cmd
}

// setupLogging opens the log destinations and hands every subsystem its
// tagged logger. The returned manager is closed on shutdown to flush the
// log file.
func setupLogging(cfg *config.Config) (*build.LogManager, error) {
	lm, err := build.NewLogManager(build.LogConfig{
		Level:         cfg.Log.Level,
		Dir:           cfg.Log.Dir,
		MaxFiles:      cfg.Log.MaxFiles,
		MaxFileSizeMB: cfg.Log.MaxFileSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	transport.UseLogger(lm.Subsystem(transport.Subsystem))
	broker.UseLogger(lm.Subsystem(broker.Subsystem))
	httpgw.UseLogger(lm.Subsystem(httpgw.Subsystem))
	runtime.UseLogger(lm.Subsystem(runtime.Subsystem))
	orchestrator.UseLogger(lm.Subsystem(orchestrator.Subsystem))
	sidecar.UseLogger(lm.Subsystem(sidecar.Subsystem))

	return lm, nil
}

// buildTransport constructs the configured transport binding.
func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Mode {
	case "inproc":
		return transport.NewInProc(), nil

	case "http":
		client, err := httpgw.NewClient(httpgw.ClientConfig{
			GatewayURL: cfg.Gateway.URL,
			ReconnectBackoffCap: cfg.NATS.
				ReconnectBackoffCapDuration(),
		})
		if err != nil {
			return nil, err
		}

		return client, nil

	case "nats":
		b, err := broker.New(broker.Config{
			URL:  cfg.NATS.URL,
			Name: cfg.NATS.Name,
			ReconnectBackoffCap: cfg.NATS.
				ReconnectBackoffCapDuration(),
		})
		if err != nil {
			return nil, err
		}

		return b, nil

	default:
		return nil, fmt.Errorf("unknown transport mode %q",
			cfg.Transport.Mode)
	}
}

// run boots the node and blocks until a shutdown signal.
func run(ctx context.Context, cfg *config.Config) error {
	logManager, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = logManager.Close()
	}()

	fmt.Fprintf(os.Stderr, "meshd version %s commit=%s go=%s\n",
		build.Version(), build.Commit, build.GoVersion)

	ctx, stop := signal.NotifyContext(
		ctx, os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	// In http mode this node is the rendezvous point: the gateway must
	// be listening before the client binding dials its first
	// subscription stream.
	var gwErrCh chan error
	if cfg.Transport.Mode == "http" && cfg.Gateway.Listen != "" {
		gw := httpgw.NewGateway()
		gwErrCh = make(chan error, 1)
		go func() {
			gwErrCh <- httpgw.Serve(ctx, cfg.Gateway.Listen, gw)
		}()
	}

	tr, err := buildTransport(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = tr.Close()
	}()

	rt, err := runtime.New(runtime.Config{
		Transport: tr,
		DeactivationInterval: cfg.Runtime.
			DeactivationIntervalDuration(),
		RequestTimeout: cfg.Runtime.RequestTimeoutDuration(),
		DiscoveryAggregateTimeout: cfg.Runtime.
			DiscoveryAggregateTimeoutDuration(),
		DiscoveryMaxReplies: cfg.Runtime.DiscoveryMaxReplies,
		InboxSize:           cfg.Runtime.InboxSize,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = rt.Close()
	}()

	// Readiness: one discovery round-trip proves the transport path.
	if err := rt.Probe(ctx); err != nil {
		return fmt.Errorf("transport probe: %w", err)
	}

	if gwErrCh != nil {
		select {
		case <-ctx.Done():
			return nil

		case err := <-gwErrCh:
			return err
		}
	}

	<-ctx.Done()

	return nil
}
