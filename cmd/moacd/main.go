// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// moacd is the storage control plane daemon. It maintains a live
// model of every configured storage node, reconciles volumes toward
// their specifications and serves read-only statistics over HTTP.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/lumberjack/v2"
	"github.com/juju/worker/v4"

	"github.com/openebs/mayastor-sub003/core/events"
	"github.com/openebs/mayastor-sub003/fabric"
	"github.com/openebs/mayastor-sub003/rpc"
	"github.com/openebs/mayastor-sub003/stats"
	"github.com/openebs/mayastor-sub003/volume"
)

var logger = loggo.GetLogger("moac.cmd")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "moacd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	config := daemonConfig{
		ListenAddr:    ":10124",
		LoggingConfig: "<root>=INFO",
	}

	var configPath string
	flags := gnuflag.NewFlagSet("moacd", gnuflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flags.StringVar(&config.ListenAddr, "listen-addr", config.ListenAddr, "statistics endpoint listen address")
	flags.StringVar(&config.LoggingConfig, "logging-config", config.LoggingConfig, "loggo logger configuration")
	flags.StringVar(&config.LogFile, "log-file", "", "log to this file instead of stderr")
	flags.DurationVar(&config.SyncPeriod, "sync-period", 0, "gap between node sync ticks")
	flags.DurationVar(&config.SyncRetry, "sync-retry", 0, "gap after a failed sync tick")
	flags.IntVar(&config.SyncBadLimit, "sync-bad-limit", 0, "consecutive failed ticks before a node is declared unavailable")
	if err := flags.Parse(true, args); err != nil {
		return errors.Trace(err)
	}

	// Flags win over the file, so remember what was set explicitly
	// before the file overlay runs.
	fromFlags := config
	if configPath != "" {
		file, err := loadConfigFile(configPath)
		if err != nil {
			return errors.Trace(err)
		}
		if err := file.apply(&config); err != nil {
			return errors.Trace(err)
		}
		flags.Visit(func(f *gnuflag.Flag) {
			switch f.Name {
			case "listen-addr":
				config.ListenAddr = fromFlags.ListenAddr
			case "logging-config":
				config.LoggingConfig = fromFlags.LoggingConfig
			case "log-file":
				config.LogFile = fromFlags.LogFile
			case "sync-period":
				config.SyncPeriod = fromFlags.SyncPeriod
			case "sync-retry":
				config.SyncRetry = fromFlags.SyncRetry
			case "sync-bad-limit":
				config.SyncBadLimit = fromFlags.SyncBadLimit
			}
		})
	}
	if err := config.validate(); err != nil {
		return errors.Trace(err)
	}
	if err := setupLogging(config); err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(serve(config))
}

func setupLogging(config daemonConfig) error {
	if config.LogFile != "" {
		var writer io.Writer = &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    100,
			MaxBackups: 2,
			Compress:   true,
		}
		_, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(writer, loggo.DefaultFormatter))
		if err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(loggo.ConfigureLoggers(config.LoggingConfig))
}

func serve(config daemonConfig) error {
	hub := events.NewHub()

	registry, err := fabric.NewRegistry(fabric.RegistryConfig{
		Hub:   hub,
		Clock: clock.WallClock,
		Dial: func(endpoint string) (rpc.Client, error) {
			return rpc.Dial(endpoint, rpc.DialOptions{})
		},
		SyncPeriod:   config.SyncPeriod,
		SyncRetry:    config.SyncRetry,
		SyncBadLimit: config.SyncBadLimit,
	})
	if err != nil {
		return errors.Trace(err)
	}

	watcher, err := fabric.NewWatcher(fabric.WatcherConfig{
		Registry: registry,
		Source:   newStaticSource(config.Nodes),
	})
	if err != nil {
		return errors.Trace(err)
	}

	volumes, err := volume.NewManager(volume.ManagerConfig{
		Registry: registry,
		Hub:      hub,
	})
	if err != nil {
		stopWorker(watcher)
		return errors.Trace(err)
	}

	server, err := stats.NewServer(stats.ServerConfig{
		ListenAddr: config.ListenAddr,
		Registry:   registry,
		Volumes:    volumes,
	})
	if err != nil {
		stopWorker(watcher)
		return errors.Trace(err)
	}
	logger.Infof("statistics endpoint listening on %s", server.Addr())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Infof("caught %s, shutting down", sig)

	stopWorker(server)
	stopWorker(watcher)
	for _, node := range registry.Nodes() {
		registry.RemoveNode(node.Name())
	}
	return nil
}

func stopWorker(w worker.Worker) {
	w.Kill()
	if err := w.Wait(); err != nil {
		logger.Warningf("worker shutdown: %v", err)
	}
}
