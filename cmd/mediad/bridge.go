package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alxayo/mmtransport/cmd/mediad/rtmpsource"
	"github.com/alxayo/mmtransport/internal/rpcendpoint"
	"github.com/alxayo/mmtransport/internal/rtmp/server"
	"github.com/alxayo/mmtransport/internal/transport/acceptor"
	"github.com/alxayo/mmtransport/internal/transport/endpoint"
	"github.com/alxayo/mmtransport/internal/transport/negotiator"
)

// streamPollInterval is how often the bridge reconciles the RTMP Stream
// Registry against its own Endpoint set. There is no programmatic
// stream-created/deleted subscription API (server/hooks is script/webhook
// oriented), so polling is the simplest faithful bridge.
const streamPollInterval = 2 * time.Second

// endpointRegistry is the grpctransport.Registry backing the gRPC carrier:
// a simple name-keyed map of every Endpoint the bridge has created so far.
type endpointRegistry struct {
	mu        sync.RWMutex
	endpoints map[string]rpcendpoint.Endpoint
}

func newEndpointRegistry() *endpointRegistry {
	return &endpointRegistry{endpoints: make(map[string]rpcendpoint.Endpoint)}
}

func (r *endpointRegistry) Lookup(name string) (rpcendpoint.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	return ep, ok
}

func (r *endpointRegistry) put(name string, ep rpcendpoint.Endpoint) {
	r.mu.Lock()
	r.endpoints[name] = ep
	r.mu.Unlock()
}

func (r *endpointRegistry) has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.endpoints[name]
	return ok
}

// bridge reconciles every RTMP stream key in reg against a transport-plane
// Endpoint, so a camera that starts publishing becomes addressable over
// the rpcendpoint contract without any separate registration step.
type bridge struct {
	rtmp       *server.Registry
	endpoints  *endpointRegistry
	negotiator *negotiator.Negotiator
	acceptor   *acceptor.Acceptor
	log        *slog.Logger
}

func newBridge(rtmp *server.Registry, endpoints *endpointRegistry, neg *negotiator.Negotiator, acc *acceptor.Acceptor, log *slog.Logger) *bridge {
	return &bridge{rtmp: rtmp, endpoints: endpoints, negotiator: neg, acceptor: acc, log: log}
}

// run polls the RTMP registry until ctx is cancelled, registering an
// Endpoint for every stream key not already known.
func (b *bridge) run(ctx context.Context) {
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	for {
		b.reconcile()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *bridge) reconcile() {
	for _, key := range b.rtmp.Keys() {
		if b.endpoints.has(key) {
			continue
		}
		stream := b.rtmp.GetStream(key)
		if stream == nil {
			continue
		}
		factory := rtmpsource.NewFactory(stream, nil)
		ep := endpoint.New(key, factory, b.negotiator, b.acceptor, factory.Stats)
		b.endpoints.put(key, ep)
		b.log.Info("registered transport-plane endpoint for rtmp stream", "stream_key", key)
	}
}
