// Package rtmpsource bridges a live RTMP-ingested server.Stream into the
// transport plane's pull/credit pin.Source model, so every RTMP stream key
// the teacher's publish path creates can be registered as a named
// transport/endpoint.Endpoint without changing how RTMP ingest itself works.
//
// The two worlds disagree on flow control: server.Stream.BroadcastMessage
// pushes every incoming chunk.Message to every subscriber unconditionally,
// while a pin.Source may only emit up to its outstanding credit. Feed
// reconciles this the same way channel.Input.Pump does for a remote peer
// that oversends: convert and attempt delivery, and drop the sample when
// credit is exhausted or no sink is connected yet, rather than buffer
// unboundedly.
package rtmpsource

import (
	"context"
	"log/slog"
	"time"

	"github.com/alxayo/mmtransport/internal/bufpool"
	"github.com/alxayo/mmtransport/internal/logger"
	"github.com/alxayo/mmtransport/internal/rpcendpoint"
	"github.com/alxayo/mmtransport/internal/rtmp/chunk"
	"github.com/alxayo/mmtransport/internal/rtmp/media"
	"github.com/alxayo/mmtransport/internal/rtmp/server"
	"github.com/alxayo/mmtransport/internal/transport/endpoint"
	"github.com/alxayo/mmtransport/internal/transport/pin"
	"github.com/alxayo/mmtransport/internal/transport/qos"
	"github.com/alxayo/mmtransport/internal/transport/sample"
	"github.com/alxayo/mmtransport/internal/transport/stats"
)

var (
	_ endpoint.SourceFactory = (*Factory)(nil)
	_ media.Subscriber       = (*Feed)(nil)
	_ media.TrySendMessage   = (*Feed)(nil)
	_ pin.Source             = (*Feed)(nil)
)

const (
	audioTypeID = 8
	videoTypeID = 9
)

// Major distinguishes the two RTMP media families at the sample.TypeCode
// level; Subtype carries the codec as a fourcc derived from its name
// (H264, H265, AAC, MP3, ...), mirroring sample.go's own fourcc headers.
const (
	MajorVideo sample.TypeCode = 1
	MajorAudio sample.TypeCode = 2
)

func fourcc(name string) sample.TypeCode {
	var b [4]byte
	copy(b[:], name)
	return sample.TypeCode(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

// Factory adapts one RTMP server.Stream into a transport/endpoint.SourceFactory:
// every RequestConnection against the Endpoint wrapping it subscribes a fresh
// Feed to the stream.
type Factory struct {
	stream *server.Stream
	log    *slog.Logger
	stats  *stats.Collector
}

// NewFactory returns a Factory producing Feeds subscribed to stream. The
// returned Factory also owns the stream's Statistics Collector (aggregator
// may be nil, in which case metrics are only available via Stats/GetStatistics,
// never pushed externally).
func NewFactory(stream *server.Stream, aggregator stats.Aggregator) *Factory {
	return &Factory{
		stream: stream,
		log:    logger.Logger().With("component", "rtmpsource", "stream_key", stream.Key),
		stats:  stats.New(stream.Key, aggregator, nil),
	}
}

// NewSource implements endpoint.SourceFactory. q is accepted for interface
// compatibility; per-connection QoS filtering is already applied one layer
// up by endpoint.ProxySource, so Feed itself emits unfiltered.
func (f *Factory) NewSource(q qos.List) pin.Source {
	feed := &Feed{stream: f.stream, log: f.log, stats: f.stats}
	f.stream.AddSubscriber(feed)
	return feed
}

// Stats returns the current windowed metrics as EndpointStatistics, for use
// as the stats callback endpoint.New requires.
func (f *Factory) Stats() rpcendpoint.EndpointStatistics {
	m := f.stats.Snapshot()
	return rpcendpoint.EndpointStatistics{
		Width:      m.Width,
		Height:     m.Height,
		FPS:        m.FPS,
		Bitrate:    m.Bitrate,
		MediaType:  m.MediaType,
		StreamType: m.StreamType,
	}
}

// Feed is both a media.Subscriber (the RTMP relay's push side) and a
// pin.Source (via embedded pin.Base), converting each chunk.Message pushed
// by the publisher into a sample.Sample and emitting it to whatever sink is
// currently connected.
type Feed struct {
	pin.Base
	stream *server.Stream
	log    *slog.Logger
	stats  *stats.Collector

	primed bool // whether cached sequence headers have been replayed
}

// Connect attaches sink and, on first attachment, replays the stream's
// cached audio/video sequence headers (if any) so a newly connected sink
// can decode without waiting for the next in-band header, matching how
// registry.go caches them for late-joining subscribers.
func (f *Feed) Connect(sink pin.Sink) bool {
	if !f.Base.Connect(sink) {
		return false
	}
	if !f.primed {
		f.primed = true
		if f.stream.VideoSequenceHeader != nil {
			f.emit(f.stream.VideoSequenceHeader, true)
		}
		if f.stream.AudioSequenceHeader != nil {
			f.emit(f.stream.AudioSequenceHeader, false)
		}
	}
	return true
}

// SendMessage implements media.Subscriber. It is called from the
// publisher's goroutine for every relayed message; audio/video payloads are
// converted and emitted, everything else (metadata, control) is ignored.
func (f *Feed) SendMessage(msg *chunk.Message) error {
	switch msg.TypeID {
	case audioTypeID, videoTypeID:
		f.emit(msg, msg.TypeID == videoTypeID)
	}
	return nil
}

// TrySendMessage implements media.TrySendMessage, the registry's preferred
// non-blocking delivery path: Feed is always non-blocking internally (it
// drops rather than queues when credit is exhausted), so this reports
// exactly what happened instead of always returning true.
func (f *Feed) TrySendMessage(msg *chunk.Message) bool {
	switch msg.TypeID {
	case audioTypeID, videoTypeID:
		return f.emit(msg, msg.TypeID == videoTypeID)
	}
	return true
}

func (f *Feed) emit(msg *chunk.Message, isVideo bool) bool {
	body := bufpool.Get(len(msg.Payload))
	copy(body, msg.Payload)

	major := MajorAudio
	var subtype sample.TypeCode
	var flags sample.Flags

	if isVideo {
		major = MajorVideo
		if vm, err := media.ParseVideoMessage(msg.Payload); err == nil {
			subtype = fourcc(vm.Codec)
			if vm.FrameType == media.VideoFrameTypeKey {
				flags |= sample.KeySample
			}
			if vm.PacketType == media.AVCPacketTypeSequenceHeader {
				flags |= sample.InitData
			}
		}
	} else {
		if am, err := media.ParseAudioMessage(msg.Payload); err == nil {
			subtype = fourcc(am.Codec)
			if am.PacketType == media.AACPacketTypeSequenceHeader {
				flags |= sample.InitData
			}
		}
	}

	s := sample.New(body, time.Duration(msg.Timestamp)*time.Millisecond, flags, func(s *sample.Sample) { bufpool.Put(body) })
	s.Major = major
	s.Subtype = subtype

	if f.stats != nil {
		f.stats.Observe(context.Background(), s)
	}

	if f.Base.Emit(s) {
		return true
	}
	s.Release()
	f.log.Debug("dropped media sample (no credit or sink)")
	return false
}

// Disconnect implements pin.Source: in addition to pin.Base's bookkeeping,
// it unsubscribes from the stream so the publisher goroutine stops pushing
// messages to a Feed nobody is reading from anymore.
func (f *Feed) Disconnect() {
	f.stream.RemoveSubscriber(f)
	f.Base.Disconnect()
}
