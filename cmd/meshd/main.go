// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// meshd is a small chat daemon on top of the mesh transport: it joins the
// configured topology, reliably broadcasts every stdin line, and prints what
// the other members broadcast.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/profile"

	"github.com/dtn7/mesh7-go/pkg/discovery"
	"github.com/dtn7/mesh7-go/pkg/mesh"
	"github.com/dtn7/mesh7-go/pkg/relay/mudp"
	"github.com/dtn7/mesh7-go/pkg/topology"
)

// daemon wires a Core, its listener, the relays and the configured topology
// together. Everything below runs on the event loop goroutine.
type daemon struct {
	core     *mesh.Core
	post     func(func())
	listener *mudp.Listener
	relays   map[uuid.UUID]*mudp.Relay
	graph    *topology.Graph
}

// addPeer creates a relay towards a new neighbor and rebuilds the topology.
func (d *daemon) addPeer(nodeId uuid.UUID, endpoint string) {
	if _, ok := d.relays[nodeId]; ok {
		return
	}

	relay, err := d.listener.Dial(nodeId, endpoint, 0)
	if err != nil {
		log.WithError(err).WithField("peer", nodeId).Warn("Creating relay failed")
		return
	}

	d.relays[nodeId] = relay
	d.core.RegisterRelay(relay)

	d.graph.AddEdge(d.core.ID(), nodeId)
	d.core.ResetTopology(d.graph)
}

// applyConfig installs the peers and edges of a freshly parsed
// configuration, as done initially and on every configuration change.
func (d *daemon) applyConfig(conf tomlConfig) {
	for _, peer := range conf.Peer {
		d.addPeer(uuid.MustParse(peer.NodeId), peer.Endpoint)
	}

	if len(conf.Edge) > 0 {
		graph := topology.NewGraph()
		graph.AddNode(d.core.ID())
		for _, edge := range conf.Edge {
			graph.AddEdge(uuid.MustParse(edge.A), uuid.MustParse(edge.B))
		}
		d.graph = graph
		d.core.ResetTopology(d.graph)
	}
}

// watchConfig re-applies the configuration whenever the file changes.
func (d *daemon) watchConfig(filename string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filename); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				conf, _, err := parseConfig(filename)
				if err != nil {
					log.WithError(err).Warn("Ignoring broken configuration change")
					continue
				}

				log.Info("Configuration changed, resetting topology")
				d.post(func() { d.applyConfig(conf) })

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Configuration watcher errored")
			}
		}
	}()

	return watcher, nil
}

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, nodeId, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}
	if err := configureLogging(conf.Logging); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}

	if conf.Profiling.Enable {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	events := make(chan func(), 1024)
	post := func(f func()) { events <- f }
	go func() {
		for f := range events {
			f()
		}
	}()

	core := mesh.NewCore(nodeId, func(source uuid.UUID, payload []byte) {
		fmt.Printf("<%s> %s\n", source, payload)
	})

	listen := conf.Core.Listen
	if listen == "" {
		listen = ":35700"
	}
	listener, err := mudp.NewListener(core, post, listen)
	if err != nil {
		log.WithError(err).Fatal("Failed to bind the mudp listener")
	}

	d := &daemon{
		core:     core,
		post:     post,
		listener: listener,
		relays:   make(map[uuid.UUID]*mudp.Relay),
		graph:    topology.NewGraph(),
	}
	d.graph.AddNode(nodeId)

	post(func() { d.applyConfig(conf) })

	watcher, err := d.watchConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Warn("Watching the configuration failed, changes need a restart")
	} else {
		defer func() { _ = watcher.Close() }()
	}

	var discoveryManager *discovery.Manager
	if conf.Discovery.Enable {
		interval := time.Duration(conf.Discovery.Interval) * time.Second
		if interval == 0 {
			interval = 10 * time.Second
		}

		port := uint(listener.Addr().(*net.UDPAddr).Port)
		discoveryManager, err = discovery.NewManager(nodeId, port,
			func(peer uuid.UUID, endpoint string) {
				post(func() { d.addPeer(peer, endpoint) })
			}, interval)
		if err != nil {
			log.WithError(err).Warn("Starting discovery failed")
		}
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(line) == 0 {
				continue
			}
			post(func() { core.BroadcastReliable(line) })
		}
	}()

	waitSigint()
	log.Info("Shutting down..")

	if discoveryManager != nil {
		discoveryManager.Close()
	}

	// Give outstanding traffic a moment to flush before tearing down.
	flushed := make(chan struct{})
	post(func() {
		core.Flush(func() { close(flushed) })
	})
	select {
	case <-flushed:
	case <-time.After(3 * time.Second):
		log.Warn("Shutting down with unflushed messages")
	}

	errChan := make(chan error, 1)
	post(func() {
		var errs *multierror.Error
		for _, relay := range d.relays {
			errs = multierror.Append(errs, relay.Close())
		}
		errs = multierror.Append(errs, listener.Close())
		core.Close()
		errChan <- errs.ErrorOrNil()
	})
	if err := <-errChan; err != nil {
		log.WithError(err).Warn("Closing relays errored")
	}
}
