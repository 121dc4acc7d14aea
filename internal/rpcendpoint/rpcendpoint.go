// Package rpcendpoint defines the language-neutral RPC contract between a
// sink and a source process (spec.md §6). The interfaces here are the
// in-process Go call shape of that contract; internal/rpcendpoint/grpctransport
// carries the same methods over gRPC for the out-of-process case.
package rpcendpoint

import (
	"context"
	"time"

	"github.com/alxayo/mmtransport/internal/transport/cookie"
	"github.com/alxayo/mmtransport/internal/transport/qos"
)

// Transport identifies which connection variant a ConnectionInfo describes.
type Transport int

const (
	InProc Transport = iota
	Local
	Tcp
	Udp
	Multicast
	RpcTunnel
	// Auto lets the Negotiator choose; never appears in a returned ConnectionInfo.
	Auto
)

func (t Transport) String() string {
	switch t {
	case InProc:
		return "InProc"
	case Local:
		return "Local"
	case Tcp:
		return "Tcp"
	case Udp:
		return "Udp"
	case Multicast:
		return "Multicast"
	case RpcTunnel:
		return "RpcTunnel"
	case Auto:
		return "Auto"
	default:
		return "Unknown"
	}
}

// InProcSource is the minimal pull-source surface an InProc ConnectionInfo
// carries a raw reference to. Defined here (rather than imported from
// transport/pin) to keep this package's wire-shape free of internal package
// dependencies a gRPC carrier cannot cross anyway.
type InProcSource interface {
	Request(n int64)
}

// ConnectionInfo is the tagged union returned by RequestConnection. Exactly
// one of the transport-specific fields is meaningful, selected by Transport.
type ConnectionInfo struct {
	Transport Transport

	// InProc
	Pointer InProcSource

	// Local / Tcp
	Port            int
	Addresses       []string // Tcp: advertised addresses; Local: loopback only
	AllocatorID     [16]byte
	AllocatorParams string

	// Udp
	ControlAddress string
	ControlPort    int
	DataPort       int

	// Multicast
	ControlIface string
	DataIface    string
	DataPort6    int // data port when Transport == Multicast
}

// EndpointStatistics mirrors spec.md §3's Endpoint Statistics record.
type EndpointStatistics struct {
	Width      int
	Height     int
	FPS        float64
	Bitrate    float64
	MediaType  uint32
	StreamType uint32
}

// StartPosition selects where Seek begins relative to the requested instant.
type StartPosition int

const (
	AtTimestamp StartPosition = iota
	OneFrameBack
)

// PlaybackMode carries the direction of archived playback.
type PlaybackMode struct {
	Reverse bool
}

// Endpoint is the RPC contract exposed by every media source (spec.md §6).
type Endpoint interface {
	RequestConnection(ctx context.Context, pid uint32, hostID string, sinkPrefs []Transport, useAllAddresses bool, q qos.List) (ConnectionInfo, cookie.Cookie, error)
	RequestQoS(ctx context.Context, c cookie.Cookie, q qos.List) error
	GetStatistics(ctx context.Context) (EndpointStatistics, error)
}

// StorageEndpoint extends Endpoint with archived-playback seeking.
type StorageEndpoint interface {
	Endpoint
	Seek(ctx context.Context, at time.Time, startPos StartPosition, mode PlaybackMode, sessionID uint32) error
}

// Interval is a half-open timestamp range bound to a Storage Source.
type Interval struct {
	Begin time.Time
	End   time.Time
}

// SourcePriority orders competing GetSourceReaderEndpoint callers.
type SourcePriority int

const (
	PriorityLow SourcePriority = iota
	PriorityMid
	PriorityHigh
)

// StorageSource is the external collaborator yielding archived intervals
// and seekable endpoints; the transport core treats it as opaque (spec.md §1).
type StorageSource interface {
	GetHistory(ctx context.Context, from, to time.Time, maxCount uint32, minGap time.Duration) ([]Interval, error)
	GetSourceReaderEndpoint(ctx context.Context, from time.Time, startPos StartPosition, isRealtime bool, mode PlaybackMode, priority SourcePriority) (StorageEndpoint, error)
}

// SinkEndpoint is the RPC-visible keep-alive lease contract (spec.md §6, §4.8).
type SinkEndpoint interface {
	ConnectByObjectRef(ctx context.Context, src Endpoint, priority int32) (handle int32, err error)
	KeepAlive(ctx context.Context, handle int32) error
	Disconnect(ctx context.Context, handle int32) error
	KeepAliveMilliseconds() int32
}
