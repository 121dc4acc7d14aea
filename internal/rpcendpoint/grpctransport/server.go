package grpctransport

import (
	"context"
	"log/slog"
	"time"

	rerrors "github.com/alxayo/mmtransport/internal/errors"
	"github.com/alxayo/mmtransport/internal/logger"
	"github.com/alxayo/mmtransport/internal/rpcendpoint"
	"github.com/alxayo/mmtransport/internal/transport/cookie"
)

// Registry resolves an advertised endpoint name to the Endpoint behind
// it. A process hosting one or more named media sources implements this
// (or wraps whatever local registry it already keeps) to back a Server.
type Registry interface {
	Lookup(name string) (rpcendpoint.Endpoint, bool)
}

// Server implements the gRPC-visible half of the rpcendpoint contract:
// it decodes wire requests, dispatches to the Endpoint a Registry
// resolves, and encodes the result (or error) back onto the wire. It is
// registered onto a *grpc.Server with RegisterEndpointServer.
type Server struct {
	registry Registry
	log      *slog.Logger
}

// NewServer constructs a Server. log defaults to logger.Logger().
func NewServer(registry Registry, log *slog.Logger) *Server {
	if log == nil {
		log = logger.Logger()
	}
	return &Server{registry: registry, log: log}
}

func (s *Server) lookup(name string) (rpcendpoint.Endpoint, error) {
	ep, ok := s.registry.Lookup(name)
	if !ok {
		return nil, rerrors.NewRemoteNotFound("grpctransport.lookup", nil)
	}
	return ep, nil
}

func (s *Server) requestConnection(ctx context.Context, req *requestConnectionRequest) *requestConnectionResponse {
	log := logger.WithEndpoint(s.log, req.EndpointName, "")
	ep, err := s.lookup(req.EndpointName)
	if err != nil {
		kind, msg := errorParts(err)
		return &requestConnectionResponse{ErrorKind: kind, ErrorMessage: msg}
	}

	info, c, err := ep.RequestConnection(ctx, req.Pid, req.HostID, decodeTransports(req.SinkPrefs), req.UseAllAddresses, decodeQoS(req.QoS))
	if err != nil {
		kind, msg := errorParts(err)
		log.Warn("request connection failed", "kind", kind, "error", msg)
		return &requestConnectionResponse{ErrorKind: kind, ErrorMessage: msg}
	}
	if info.Transport == rpcendpoint.InProc {
		// A remote caller can never be handed the raw in-process pointer;
		// an Endpoint that returns InProc here is misconfigured for
		// gRPC exposure (it should have restricted sinkPrefs upstream).
		err := rerrors.NewRemoteInvalid("grpctransport.requestConnection", nil)
		kind, msg := errorParts(err)
		log.Error("endpoint returned in-process transport to a remote caller")
		return &requestConnectionResponse{ErrorKind: kind, ErrorMessage: msg}
	}

	return &requestConnectionResponse{
		Info:   encodeConnectionInfo(info),
		Cookie: c.String(),
	}
}

func (s *Server) requestQoS(ctx context.Context, req *requestQoSRequest) *requestQoSResponse {
	ep, err := s.lookup(req.EndpointName)
	if err != nil {
		kind, msg := errorParts(err)
		return &requestQoSResponse{ErrorKind: kind, ErrorMessage: msg}
	}
	c, err := cookie.Parse(req.Cookie)
	if err != nil {
		kind, msg := errorParts(rerrors.NewInvalidOperation("grpctransport.requestQoS", err))
		return &requestQoSResponse{ErrorKind: kind, ErrorMessage: msg}
	}
	if err := ep.RequestQoS(ctx, c, decodeQoS(req.QoS)); err != nil {
		kind, msg := errorParts(err)
		return &requestQoSResponse{ErrorKind: kind, ErrorMessage: msg}
	}
	return &requestQoSResponse{}
}

func (s *Server) getStatistics(ctx context.Context, req *getStatisticsRequest) *getStatisticsResponse {
	ep, err := s.lookup(req.EndpointName)
	if err != nil {
		kind, msg := errorParts(err)
		return &getStatisticsResponse{ErrorKind: kind, ErrorMessage: msg}
	}
	st, err := ep.GetStatistics(ctx)
	if err != nil {
		kind, msg := errorParts(err)
		return &getStatisticsResponse{ErrorKind: kind, ErrorMessage: msg}
	}
	return &getStatisticsResponse{
		Width:      st.Width,
		Height:     st.Height,
		FPS:        st.FPS,
		Bitrate:    st.Bitrate,
		MediaType:  st.MediaType,
		StreamType: st.StreamType,
	}
}

func (s *Server) seek(ctx context.Context, req *seekRequest) *seekResponse {
	ep, err := s.lookup(req.EndpointName)
	if err != nil {
		kind, msg := errorParts(err)
		return &seekResponse{ErrorKind: kind, ErrorMessage: msg}
	}
	storage, ok := ep.(rpcendpoint.StorageEndpoint)
	if !ok {
		kind, msg := errorParts(rerrors.NewInvalidOperation("grpctransport.seek", nil))
		return &seekResponse{ErrorKind: kind, ErrorMessage: msg}
	}
	startPos := rpcendpoint.AtTimestamp
	if req.OneFrameBack {
		startPos = rpcendpoint.OneFrameBack
	}
	at := time.UnixMilli(req.AtUnixMs)
	mode := rpcendpoint.PlaybackMode{Reverse: req.Reverse}
	if err := storage.Seek(ctx, at, startPos, mode, req.SessionID); err != nil {
		kind, msg := errorParts(err)
		return &seekResponse{ErrorKind: kind, ErrorMessage: msg}
	}
	return &seekResponse{}
}
