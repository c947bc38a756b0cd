package cli

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/ssrport/internal/config"
	"github.com/shinji-kodama/ssrport/internal/devcontainer"
	"github.com/shinji-kodama/ssrport/internal/docker"
	"github.com/shinji-kodama/ssrport/internal/model"
	"github.com/shinji-kodama/ssrport/internal/port"
	"github.com/shinji-kodama/ssrport/internal/ssr"
	"github.com/shinji-kodama/ssrport/internal/store"
)

// configReservedSource labels reserved ports that come from configuration.
const configReservedSource = "config"

// addProbeFlags registers the search flags shared by find and exec.
// Values are read back through viper (see setup), so the flags only need
// a name, a default for the help text and a description.
func addProbeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("start", model.DefaultStartPort, "First port to try")
	f.Int("attempts", model.DefaultMaxAttempts, "Number of consecutive ports to try")
	f.String("policy", string(model.DefaultPolicy), "What to do when every port is taken: fail or fallback")
	f.String("host", port.DefaultHost, "Address to probe")
	f.Duration("timeout", 0, "Give up the search after this long (0 means no limit)")
	f.IntSlice("reserve", nil, "Ports never to return, e.g. --reserve 13715,13716")
	f.Bool("avoid-docker", false, "Also skip host ports published by Docker containers")
	f.Bool("avoid-devcontainer", false, "Also skip ports claimed by ./.devcontainer/devcontainer.json")
	f.String("persist", "", "Write the port to this file (.env, .json, .yaml or .toml)")
	f.String("key", config.DefaultKey, "Key the port is written under")
	f.String("clear-cache", "", `Command to run after persisting, e.g. "php artisan config:clear"`)
}

// buildReserved collects the ports a search must skip: the configured list,
// every host port Docker publishes (avoid_docker) and the ports of the
// project's dev container (avoid_devcontainer). A source that cannot be read
// is only a warning; the search then relies on bind probes.
func buildReserved(ctx context.Context, cfg config.Config) *port.ReservedSet {
	reserved := port.NewReservedSet(configReservedSource, cfg.Reserved...)

	if cfg.AvoidDocker {
		ports, err := dockerPublishedPorts(ctx)
		if err != nil {
			logger.Warn("ignoring Docker published ports", zap.Error(err))
		} else {
			reserved.Add(docker.ReservedSource, ports...)
		}
	}

	if cfg.AvoidDevcontainer {
		ports, err := devcontainer.ProjectHostPorts(".")
		if err != nil {
			logger.Warn("ignoring devcontainer.json ports", zap.Error(err))
		} else {
			reserved.Add(devcontainer.ReservedSource, ports...)
		}
	}

	if reserved.Len() > 0 {
		logger.Debug("reserved ports", zap.Int("count", reserved.Len()), zap.Ints("ports", reserved.Ports()))
	}
	return reserved
}

// dockerPublishedPorts connects to the daemon and lists published ports.
// It is a variable so tests can run without Docker.
var dockerPublishedPorts = func(ctx context.Context) ([]int, error) {
	cli, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return nil, err
	}
	return docker.PublishedPorts(ctx, cli)
}

// newProber builds a Prober from the loaded configuration.
func newProber(cfg config.Config, policy model.ExhaustionPolicy, reserved *port.ReservedSet) *port.Prober {
	return port.NewProber(
		port.WithHost(cfg.Host),
		port.WithPolicy(policy),
		port.WithReserved(reserved),
		port.WithLogger(logger.Named("probe")),
	)
}

// newBootstrap wires the prober to the optional store and cache hook.
func newBootstrap(cfg config.Config, prober *port.Prober) (*ssr.Bootstrap, error) {
	b := &ssr.Bootstrap{
		Searcher:      prober,
		SearchTimeout: cfg.Timeout,
		Key:           cfg.Key,
		Logger:        logger.Named("ssr"),
	}
	if cfg.Persist == "" {
		return b, nil
	}

	st, err := store.Open(cfg.Persist)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidConfig, fmt.Sprintf("cannot persist to %s", cfg.Persist), err)
	}
	b.Store = st
	if cfg.ClearCache != "" {
		b.Invalidator = &store.Invalidator{Command: cfg.ClearCache, Logger: logger.Named("hook")}
	}
	return b, nil
}

// prepareSearch builds the Bootstrap for one search. The timeout covers
// gathering reserved ports here and the search inside the Bootstrap, never
// the persist step or the cache clear that follows it.
func prepareSearch(ctx context.Context, cfg config.Config) (*ssr.Bootstrap, model.ProbeConfig, error) {
	probeCfg, err := cfg.ProbeConfig()
	if err != nil {
		return nil, model.ProbeConfig{}, err
	}

	reserveCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reserveCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	prober := newProber(cfg, probeCfg.Policy, buildReserved(reserveCtx, cfg))
	boot, err := newBootstrap(cfg, prober)
	if err != nil {
		return nil, model.ProbeConfig{}, err
	}

	logger.Debug("searching for a free port",
		zap.Int("start_port", probeCfg.StartPort),
		zap.Int("max_attempts", probeCfg.MaxAttempts),
		zap.String("policy", prober.Policy().String()),
		zap.String("host", prober.Host()),
		zap.Duration("timeout", cfg.Timeout))
	return boot, probeCfg, nil
}

// resolvePort runs one search with the loaded configuration and persists
// the result when configured.
func resolvePort(ctx context.Context, cfg config.Config) (model.ProbeResult, error) {
	boot, probeCfg, err := prepareSearch(ctx, cfg)
	if err != nil {
		return model.ProbeResult{}, err
	}
	return boot.Resolve(ctx, probeCfg)
}

// listenPort searches like resolvePort but also binds the port, retrying
// above it when another process takes it first. The caller owns the
// returned listener.
func listenPort(ctx context.Context, cfg config.Config) (net.Listener, model.ProbeResult, error) {
	boot, probeCfg, err := prepareSearch(ctx, cfg)
	if err != nil {
		return nil, model.ProbeResult{}, err
	}
	return boot.Listen(ctx, probeCfg)
}
