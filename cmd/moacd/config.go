// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/openebs/mayastor-sub003/fabric"
)

// configFile is the YAML overlay accepted by --config. Durations are
// written as strings ("30s", "1m") and parsed on load.
type configFile struct {
	ListenAddr    string            `yaml:"listen-addr"`
	SyncPeriod    string            `yaml:"sync-period"`
	SyncRetry     string            `yaml:"sync-retry"`
	SyncBadLimit  int               `yaml:"sync-bad-limit"`
	LoggingConfig string            `yaml:"logging-config"`
	LogFile       string            `yaml:"log-file"`
	Nodes         []fabric.NodeSpec `yaml:"nodes"`
}

// daemonConfig is the merged daemon configuration: file values first,
// then command line flags on top.
type daemonConfig struct {
	ListenAddr    string
	SyncPeriod    time.Duration
	SyncRetry     time.Duration
	SyncBadLimit  int
	LoggingConfig string
	LogFile       string
	Nodes         []fabric.NodeSpec
}

func loadConfigFile(path string) (*configFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Annotatef(err, "parsing %q", path)
	}
	return &file, nil
}

func (f *configFile) apply(config *daemonConfig) error {
	if f.ListenAddr != "" {
		config.ListenAddr = f.ListenAddr
	}
	if f.SyncPeriod != "" {
		d, err := time.ParseDuration(f.SyncPeriod)
		if err != nil {
			return errors.NotValidf("sync-period %q", f.SyncPeriod)
		}
		config.SyncPeriod = d
	}
	if f.SyncRetry != "" {
		d, err := time.ParseDuration(f.SyncRetry)
		if err != nil {
			return errors.NotValidf("sync-retry %q", f.SyncRetry)
		}
		config.SyncRetry = d
	}
	if f.SyncBadLimit != 0 {
		config.SyncBadLimit = f.SyncBadLimit
	}
	if f.LoggingConfig != "" {
		config.LoggingConfig = f.LoggingConfig
	}
	if f.LogFile != "" {
		config.LogFile = f.LogFile
	}
	config.Nodes = append(config.Nodes, f.Nodes...)
	return nil
}

func (c daemonConfig) validate() error {
	if c.SyncBadLimit < 0 {
		return errors.NotValidf("negative sync-bad-limit")
	}
	seen := make(map[string]bool)
	for _, spec := range c.Nodes {
		if spec.Name == "" {
			return errors.NotValidf("node spec with empty name")
		}
		if spec.Endpoint == "" {
			return errors.NotValidf("node %q with empty endpoint", spec.Name)
		}
		if seen[spec.Name] {
			return errors.NotValidf("duplicate node %q", spec.Name)
		}
		seen[spec.Name] = true
	}
	return nil
}
