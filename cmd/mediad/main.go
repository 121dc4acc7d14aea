// Command mediad is the media transport daemon: it accepts RTMP publishers
// the same way the teacher's rtmp-server does, exposes every published
// stream as a named transport-plane Endpoint, and serves the Endpoint RPC
// contract over gRPC so remote sinks can RequestConnection/RequestQoS/
// GetStatistics against it.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/alxayo/mmtransport/internal/config"
	"github.com/alxayo/mmtransport/internal/logger"
	"github.com/alxayo/mmtransport/internal/rpcendpoint/grpctransport"
	srv "github.com/alxayo/mmtransport/internal/rtmp/server"
	"github.com/alxayo/mmtransport/internal/transport/acceptor"
	"github.com/alxayo/mmtransport/internal/transport/allocator"
	"github.com/alxayo/mmtransport/internal/transport/negotiator"
)

var version = "dev"

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.LogLevel)
	}
	log := logger.Logger().With("component", "mediad")

	hostID, err := os.Hostname()
	if err != nil || hostID == "" {
		hostID = "mediad"
	}

	acc := acceptor.New(acceptor.Config{
		InterfaceWhitelist: cfg.InterfaceWhitelist,
		PortBase:           cfg.PortBase,
		PortSpan:           cfg.PortSpan,
	})
	if _, err := acc.Start(context.Background()); err != nil {
		log.Error("failed to start connection acceptor", "error", err)
		os.Exit(1)
	}
	defer acc.Close()

	alloc := allocator.New(allocator.None)
	neg := negotiator.New(negotiator.Capabilities{
		HostID:         hostID,
		Pid:            uint32(os.Getpid()),
		ExtraAddresses: cfg.ExtraAddresses,
	}, acc, alloc)

	rtmpServer := srv.New(srv.Config{ListenAddr: cfg.RTMPListenAddr, LogLevel: cfg.LogLevel})
	if err := rtmpServer.Start(); err != nil {
		log.Error("failed to start rtmp listener", "error", err)
		os.Exit(1)
	}
	log.Info("rtmp listener started", "addr", rtmpServer.Addr().String())

	endpoints := newEndpointRegistry()
	br := newBridge(rtmpServer.Registry(), endpoints, neg, acc, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go br.run(ctx)

	grpcListener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		log.Error("failed to start grpc listener", "error", err)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer()
	grpctransport.RegisterEndpointServer(grpcServer, grpctransport.NewServer(endpoints, log))
	go func() {
		log.Info("grpc endpoint carrier listening", "addr", grpcListener.Addr().String())
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Warn("grpc server stopped", "error", err)
		}
	}()

	log.Info("mediad started", "version", version)
	<-ctx.Done()
	log.Info("shutdown signal received")

	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		if err := rtmpServer.Stop(); err != nil {
			log.Error("rtmp server stop error", "error", err)
		}
		close(done)
	}()
	select {
	case <-done:
		log.Info("mediad stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}
