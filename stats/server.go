// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package stats serves a read-only view of the fabric over HTTP.
// It only reads cached state and issues read-only stat calls; it
// never mutates the model.
package stats

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/openebs/mayastor-sub003/fabric"
	"github.com/openebs/mayastor-sub003/rpc"
	"github.com/openebs/mayastor-sub003/volume"
)

var logger = loggo.GetLogger("moac.stats")

const shutdownTimeout = 5 * time.Second

// ServerConfig holds the stats server's dependencies.
type ServerConfig struct {
	ListenAddr string
	Registry   *fabric.Registry
	Volumes    *volume.Manager
}

// Validate returns an error if the config cannot drive a Server.
func (config ServerConfig) Validate() error {
	if config.ListenAddr == "" {
		return errors.NotValidf("empty ListenAddr")
	}
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Volumes == nil {
		return errors.NotValidf("nil Volumes")
	}
	return nil
}

// Server is the statistics endpoint worker.
type Server struct {
	catacomb catacomb.Catacomb
	config   ServerConfig
	listener net.Listener
	server   *http.Server
}

// NewServer starts listening on the configured address.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	listener, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", config.ListenAddr)
	}
	s := &Server{
		config:   config,
		listener: listener,
	}
	router := mux.NewRouter()
	router.HandleFunc("/v0/nodes", s.handleNodes).Methods(http.MethodGet)
	router.HandleFunc("/v0/pools", s.handlePools).Methods(http.MethodGet)
	router.HandleFunc("/v0/volumes", s.handleVolumes).Methods(http.MethodGet)
	router.HandleFunc("/v0/replicas/stats", s.handleReplicaStats).Methods(http.MethodGet)
	s.server = &http.Server{Handler: router}

	err = catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	})
	if err != nil {
		_ = listener.Close()
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.catacomb.Wait()
}

func (s *Server) loop() error {
	served := make(chan error, 1)
	go func() {
		served <- s.server.Serve(s.listener)
	}()
	select {
	case <-s.catacomb.Dying():
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(ctx)
		return s.catacomb.ErrDying()
	case err := <-served:
		return errors.Trace(err)
	}
}

var _ worker.Worker = (*Server)(nil)

type nodeView struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	State    string `json:"state"`
}

type poolView struct {
	Name     string        `json:"name"`
	Node     string        `json:"node"`
	State    rpc.PoolState `json:"state"`
	Reason   string        `json:"reason,omitempty"`
	Capacity uint64        `json:"capacity"`
	Used     uint64        `json:"used"`
	Replicas int           `json:"replicas"`
}

type volumeView struct {
	UUID         string `json:"uuid"`
	ReplicaCount int    `json:"replicaCount"`
	Replicas     int    `json:"replicas"`
	NexusState   string `json:"nexusState,omitempty"`
	DevicePath   string `json:"devicePath,omitempty"`
}

type replicaStatView struct {
	Node string `json:"node"`
	rpc.ReplicaStat
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	var out []nodeView
	for _, n := range s.config.Registry.Nodes() {
		out = append(out, nodeView{
			Name:     n.Name(),
			Endpoint: n.Endpoint(),
			State:    string(n.State()),
		})
	}
	writeJSON(w, out)
}

func (s *Server) handlePools(w http.ResponseWriter, _ *http.Request) {
	var out []poolView
	for _, p := range s.config.Registry.Pools() {
		view := poolView{
			Name:     p.Name(),
			State:    p.State(),
			Reason:   p.Reason(),
			Capacity: p.Capacity(),
			Used:     p.Used(),
			Replicas: len(p.Replicas()),
		}
		if node := p.Node(); node != nil {
			view.Node = node.Name()
		}
		out = append(out, view)
	}
	writeJSON(w, out)
}

func (s *Server) handleVolumes(w http.ResponseWriter, _ *http.Request) {
	var out []volumeView
	for _, v := range s.config.Volumes.Volumes() {
		view := volumeView{
			UUID:         v.UUID(),
			ReplicaCount: v.Spec().ReplicaCount,
			Replicas:     len(v.Replicas()),
			DevicePath:   v.DevicePath(),
		}
		if nexus := v.Nexus(); nexus != nil {
			view.NexusState = string(nexus.State())
		}
		out = append(out, view)
	}
	writeJSON(w, out)
}

// handleReplicaStats fans the stat call out to every synced node.
// Unreachable nodes are skipped, not fatal: the endpoint reports
// what it can see.
func (s *Server) handleReplicaStats(w http.ResponseWriter, r *http.Request) {
	var out []replicaStatView
	for _, n := range s.config.Registry.Nodes() {
		if !n.IsSynced() {
			continue
		}
		nodeStats, err := n.ReplicaStats(r.Context())
		if err != nil {
			logger.Warningf("replica stats from node %q: %v", n.Name(), err)
			continue
		}
		for _, stat := range nodeStats {
			out = append(out, replicaStatView{Node: n.Name(), ReplicaStat: stat})
		}
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if value == nil {
		value = []struct{}{}
	}
	if err := json.NewEncoder(w).Encode(value); err != nil {
		logger.Errorf("encoding response: %v", err)
	}
}
