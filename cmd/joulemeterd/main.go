// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/joulemeter/joulemeter/config"
	"github.com/joulemeter/joulemeter/internal/bridge"
	"github.com/joulemeter/joulemeter/internal/classifier"
	"github.com/joulemeter/joulemeter/internal/counter"
	"github.com/joulemeter/joulemeter/internal/engine"
	"github.com/joulemeter/joulemeter/internal/exporter/prometheus"
	"github.com/joulemeter/joulemeter/internal/exporter/stdout"
	"github.com/joulemeter/joulemeter/internal/k8s/pod"
	"github.com/joulemeter/joulemeter/internal/logger"
	"github.com/joulemeter/joulemeter/internal/procinfo"
	"github.com/joulemeter/joulemeter/internal/server"
	"github.com/joulemeter/joulemeter/internal/service"
	"github.com/joulemeter/joulemeter/internal/topology"
	"github.com/joulemeter/joulemeter/internal/version"
)

func main() {
	cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	logVersionInfo(log)
	printConfigInfo(log, cfg)

	services, err := createServices(log, cfg)
	if err != nil {
		log.Error("failed to build services", "error", err)
		os.Exit(1)
	}

	services = append(services, service.NewSignalHandler(os.Interrupt, syscall.SIGTERM))

	if err := service.Init(log, services); err != nil {
		log.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	log.Info("starting joulemeter", "services", len(services))
	if err := service.Run(context.Background(), log, services); err != nil {
		log.Error("joulemeter terminated with an error", "error", err)
		os.Exit(1)
	}
	log.Info("graceful shutdown completed")
}

func logVersionInfo(log *slog.Logger) {
	v := version.Info()
	log.Info("joulemeter version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func printConfigInfo(log *slog.Logger, cfg *config.Config) {
	if !log.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "joulemeterd"
	app := kingpin.New(appName, "Process-level power attribution agent.")

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)
	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, err
	}

	bootstrapLogger := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		bootstrapLogger.Info("loading configuration file", "path", *configFile)
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			bootstrapLogger.Error("error loading config file", "error", err.Error())
			return nil, err
		}
		cfg = loadedCfg
	}

	if err := updateConfig(cfg); err != nil {
		bootstrapLogger.Error("error applying command line flags", "error", err.Error())
		return nil, err
	}

	return cfg, nil
}

// createServices wires the counter source, topology, engine, API server,
// and optional exporters/informers into the ordered list of service.Service
// instances service.Init/service.Run drive. Order only matters for Init
// (each service's Init may depend on an earlier one having already
// registered its HTTP endpoints); Run order does not matter since every
// Runner is driven concurrently by an oklog/run.Group.
func createServices(log *slog.Logger, cfg *config.Config) ([]service.Service, error) {
	counterSource, err := selectCounterSource(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("selecting counter source: %w", err)
	}

	cpuToSocket, err := cpuToSocketMap(cfg.Host.SysFS)
	if err != nil {
		return nil, fmt.Errorf("building cpu-to-socket map: %w", err)
	}

	discovered, err := counterSource.Discover()
	if err != nil {
		return nil, fmt.Errorf("discovering counters: %w", err)
	}

	topo, err := topology.Build(discovered, cpuToSocket, topology.DefaultBounds(), log)
	if err != nil {
		return nil, fmt.Errorf("building topology: %w", err)
	}

	procs, err := procinfo.New(cfg.Host.ProcFS)
	if err != nil {
		return nil, fmt.Errorf("opening process info source: %w", err)
	}

	cls, informer := buildClassifier(log, cfg)

	eng := engine.New(topo, counterSource, procs,
		engine.WithLogger(log),
		engine.WithInterval(cfg.Monitor.Interval),
		engine.WithMaxStaleness(cfg.Monitor.Staleness),
		engine.WithClassifier(cls),
	)

	apiServer := server.NewAPIServer(
		server.WithLogger(log),
		server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
	)

	services := []service.Service{eng, apiServer, server.NewProbe(apiServer, eng)}

	if informer != nil {
		services = append(services, informer)
	}

	if ptr := cfg.Debug.Pprof.Enabled; ptr != nil && *ptr {
		services = append(services, server.NewPprof(apiServer))
	}

	if ptr := cfg.Exporter.Stdout.Enabled; ptr != nil && *ptr {
		services = append(services, stdout.NewExporter(eng, stdout.WithLogger(log)))
	}

	if ptr := cfg.Exporter.Prometheus.Enabled; ptr != nil && *ptr {
		cols, err := prometheus.CreateCollectors(eng,
			prometheus.WithProcFSPath(cfg.Host.ProcFS),
			prometheus.WithNodeName(cfg.Kube.Node),
		)
		if err != nil {
			return nil, fmt.Errorf("creating prometheus collectors: %w", err)
		}
		promExporter := prometheus.NewExporter(eng, apiServer,
			prometheus.WithLogger(log),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
			prometheus.WithCollectors(cols),
		)
		services = append(services, promExporter)
	}

	if ptr := cfg.Bridge.Enabled; ptr != nil && *ptr {
		services = append(services, newBridgePublisher(log, bridge.New(cfg.Bridge.SocketDir), eng, cfg.Monitor.Interval))
	}

	return services, nil
}

func selectCounterSource(log *slog.Logger, cfg *config.Config) (counter.Source, error) {
	opts := counter.SelectOptions{
		Logger:    log,
		SysfsPath: cfg.Host.SysFS,
	}

	if ptr := cfg.RunAsGuest.Enabled; ptr != nil && *ptr {
		opts.RunAsGuest = true
		opts.MirrorPath = cfg.RunAsGuest.MirrorPath
	}

	return counter.Select(opts)
}

// buildClassifier assembles a first-match chain, VM -> Container, or
// VM -> Kubernetes pod (which wraps the container classifier) when
// Kubernetes integration is enabled, wrapped in a per-PID cache. The
// kubelet informer is only
// started (and only returned, so it can be registered as a service) when
// Kubernetes integration is enabled in configuration.
func buildClassifier(log *slog.Logger, cfg *config.Config) (classifier.Classifier, pod.Informer) {
	chain := classifier.Chain{classifier.VM{}, classifier.Container{}}

	var informer pod.Informer
	if ptr := cfg.Kube.Enabled; ptr != nil && *ptr {
		informer = pod.NewKubeletInformer(
			pod.WithLogger(log),
			pod.WithKubeConfig(cfg.Kube.Config),
			pod.WithNodeName(cfg.Kube.Node),
		)
		chain = classifier.Chain{classifier.VM{}, classifier.NewK8sPod(informer)}
	}

	return classifier.NewCaching(chain), informer
}
