package grpctransport

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/alxayo/mmtransport/internal/rpcendpoint"
	"github.com/alxayo/mmtransport/internal/transport/qos"
)

// qosEntry is the wire shape of a single qos.Request. Kind selects which
// of the remaining fields are meaningful; unused fields carry their zero
// value rather than being split into per-kind message types, since every
// field here is already a plain scalar.
type qosEntry struct {
	Kind string

	Enabled bool // OnlyKeyFrames

	FPS float64 // FrameRate

	W int // FrameGeometry
	H int

	DurationMs    int64 // Buffer
	StartOffsetMs int64

	TimestampUnixMs int64 // StartFrom

	DeviceTypeMask  uint32 // DecoderRequirements
	DeviceIDMask    uint64
	MemoryTypeMask  uint32
	TargetProcessID uint32

	Seconds float64 // PlaybackDepth
}

func encodeQoS(l qos.List) []qosEntry {
	out := make([]qosEntry, 0, len(l))
	for _, r := range l {
		switch v := r.(type) {
		case qos.OnlyKeyFrames:
			out = append(out, qosEntry{Kind: "onlyKeyFrames", Enabled: v.Enabled})
		case qos.FrameRate:
			out = append(out, qosEntry{Kind: "frameRate", FPS: v.FPS})
		case qos.FrameGeometry:
			out = append(out, qosEntry{Kind: "frameGeometry", W: v.W, H: v.H})
		case qos.Buffer:
			out = append(out, qosEntry{
				Kind:          "buffer",
				DurationMs:    v.Duration.Milliseconds(),
				StartOffsetMs: v.StartOffset.Milliseconds(),
			})
		case qos.StartFrom:
			out = append(out, qosEntry{Kind: "startFrom", TimestampUnixMs: v.Timestamp.UnixMilli()})
		case qos.DecoderRequirements:
			out = append(out, qosEntry{
				Kind:            "decoderRequirements",
				DeviceTypeMask:  v.DeviceTypeMask,
				DeviceIDMask:    v.DeviceIDMask,
				MemoryTypeMask:  v.MemoryTypeMask,
				TargetProcessID: v.TargetProcessID,
			})
		case qos.PlaybackDepth:
			out = append(out, qosEntry{Kind: "playbackDepth", Seconds: v.Seconds})
		}
	}
	return out
}

func decodeQoS(entries []qosEntry) qos.List {
	out := make(qos.List, 0, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case "onlyKeyFrames":
			out = append(out, qos.OnlyKeyFrames{Enabled: e.Enabled})
		case "frameRate":
			out = append(out, qos.FrameRate{FPS: e.FPS})
		case "frameGeometry":
			out = append(out, qos.FrameGeometry{W: e.W, H: e.H})
		case "buffer":
			out = append(out, qos.Buffer{
				Duration:    time.Duration(e.DurationMs) * time.Millisecond,
				StartOffset: time.Duration(e.StartOffsetMs) * time.Millisecond,
			})
		case "startFrom":
			out = append(out, qos.StartFrom{Timestamp: time.UnixMilli(e.TimestampUnixMs)})
		case "decoderRequirements":
			out = append(out, qos.DecoderRequirements{
				DeviceTypeMask:  e.DeviceTypeMask,
				DeviceIDMask:    e.DeviceIDMask,
				MemoryTypeMask:  e.MemoryTypeMask,
				TargetProcessID: e.TargetProcessID,
			})
		case "playbackDepth":
			out = append(out, qos.PlaybackDepth{Seconds: e.Seconds})
		}
	}
	return out
}

// connectionInfoMsg is the wire shape of rpcendpoint.ConnectionInfo minus
// its InProc.Pointer field, which cannot cross a process boundary; the
// server rejects any RequestConnection result carrying Transport ==
// rpcendpoint.InProc before it ever reaches this encoder.
type connectionInfoMsg struct {
	Transport int32

	Port            int
	Addresses       []string
	AllocatorID     string // hex-encoded [16]byte
	AllocatorParams string

	ControlAddress string
	ControlPort    int
	DataPort       int

	ControlIface string
	DataIface    string
	DataPort6    int
}

func encodeConnectionInfo(info rpcendpoint.ConnectionInfo) connectionInfoMsg {
	return connectionInfoMsg{
		Transport:       int32(info.Transport),
		Port:            info.Port,
		Addresses:       info.Addresses,
		AllocatorID:     hex.EncodeToString(info.AllocatorID[:]),
		AllocatorParams: info.AllocatorParams,
		ControlAddress:  info.ControlAddress,
		ControlPort:     info.ControlPort,
		DataPort:        info.DataPort,
		ControlIface:    info.ControlIface,
		DataIface:       info.DataIface,
		DataPort6:       info.DataPort6,
	}
}

func decodeConnectionInfo(m connectionInfoMsg) (rpcendpoint.ConnectionInfo, error) {
	var id [16]byte
	if m.AllocatorID != "" {
		b, err := hex.DecodeString(m.AllocatorID)
		if err != nil || len(b) != len(id) {
			return rpcendpoint.ConnectionInfo{}, fmt.Errorf("grpctransport: malformed allocator id %q", m.AllocatorID)
		}
		copy(id[:], b)
	}
	return rpcendpoint.ConnectionInfo{
		Transport:       rpcendpoint.Transport(m.Transport),
		Port:            m.Port,
		Addresses:       m.Addresses,
		AllocatorID:     id,
		AllocatorParams: m.AllocatorParams,
		ControlAddress:  m.ControlAddress,
		ControlPort:     m.ControlPort,
		DataPort:        m.DataPort,
		ControlIface:    m.ControlIface,
		DataIface:       m.DataIface,
		DataPort6:       m.DataPort6,
	}, nil
}

func encodeTransports(prefs []rpcendpoint.Transport) []int32 {
	out := make([]int32, len(prefs))
	for i, t := range prefs {
		out[i] = int32(t)
	}
	return out
}

func decodeTransports(prefs []int32) []rpcendpoint.Transport {
	out := make([]rpcendpoint.Transport, len(prefs))
	for i, t := range prefs {
		out[i] = rpcendpoint.Transport(t)
	}
	return out
}

// requestConnectionRequest is the wire request for Endpoint.RequestConnection.
type requestConnectionRequest struct {
	EndpointName    string
	Pid             uint32
	HostID          string
	SinkPrefs       []int32
	UseAllAddresses bool
	QoS             []qosEntry
}

type requestConnectionResponse struct {
	Info         connectionInfoMsg
	Cookie       string
	ErrorKind    string
	ErrorMessage string
}

type requestQoSRequest struct {
	EndpointName string
	Cookie       string
	QoS          []qosEntry
}

type requestQoSResponse struct {
	ErrorKind    string
	ErrorMessage string
}

type getStatisticsRequest struct {
	EndpointName string
}

type getStatisticsResponse struct {
	Width        int
	Height       int
	FPS          float64
	Bitrate      float64
	MediaType    uint32
	StreamType   uint32
	ErrorKind    string
	ErrorMessage string
}

type seekRequest struct {
	EndpointName string
	AtUnixMs     int64
	OneFrameBack bool
	Reverse      bool
	SessionID    uint32
}

type seekResponse struct {
	ErrorKind    string
	ErrorMessage string
}
