// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Discovery discoveryConf
	Profiling profilingConf
	Peer      []peerConf
	Edge      []edgeConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	NodeId string `toml:"node-id"`
	Listen string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	Enable   bool
	Interval uint
}

// profilingConf describes the Profiling-configuration block.
type profilingConf struct {
	Enable bool
}

// peerConf describes one statically configured neighbor.
type peerConf struct {
	NodeId   string `toml:"node-id"`
	Endpoint string
}

// edgeConf describes one edge of the configured topology.
type edgeConf struct {
	A string
	B string
}

// configureLogging sets the logrus configuration from the Logging block.
func configureLogging(conf logConf) error {
	if conf.Level != "" {
		level, err := log.ParseLevel(conf.Level)
		if err != nil {
			return err
		}
		log.SetLevel(level)
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown logging format: %s", conf.Format)
	}

	return nil
}

// parseConfig reads and sanity-checks the configuration file.
func parseConfig(filename string) (conf tomlConfig, nodeId uuid.UUID, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	if nodeId, err = uuid.Parse(conf.Core.NodeId); err != nil {
		err = fmt.Errorf("parsing core.node-id failed: %v", err)
		return
	}

	for _, peer := range conf.Peer {
		if _, peerErr := uuid.Parse(peer.NodeId); peerErr != nil {
			err = fmt.Errorf("parsing peer node-id %q failed: %v", peer.NodeId, peerErr)
			return
		}
		if peer.Endpoint == "" {
			err = fmt.Errorf("peer %s has no endpoint", peer.NodeId)
			return
		}
	}

	for _, edge := range conf.Edge {
		for _, field := range []string{edge.A, edge.B} {
			if _, edgeErr := uuid.Parse(field); edgeErr != nil {
				err = fmt.Errorf("parsing edge node %q failed: %v", field, edgeErr)
				return
			}
		}
	}

	return
}
