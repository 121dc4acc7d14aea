package rtmpsource

import (
	"testing"

	"github.com/alxayo/mmtransport/internal/rtmp/chunk"
	"github.com/alxayo/mmtransport/internal/rtmp/server"
	"github.com/alxayo/mmtransport/internal/transport/pin"
	"github.com/alxayo/mmtransport/internal/transport/qos"
	"github.com/alxayo/mmtransport/internal/transport/sample"
)

type fakeSink struct {
	received     []*sample.Sample
	disconnected bool
}

func (f *fakeSink) Receive(s *sample.Sample) { f.received = append(f.received, s) }
func (f *fakeSink) Disconnected()            { f.disconnected = true }

func avcKeyFrame(payload byte) *chunk.Message {
	return &chunk.Message{TypeID: videoTypeID, Timestamp: 1000, Payload: []byte{0x17, 0x01, 0, 0, 0, payload}}
}

func avcSequenceHeader() *chunk.Message {
	return &chunk.Message{TypeID: videoTypeID, Timestamp: 0, Payload: []byte{0x17, 0x00, 0, 0, 0, 0xAA}}
}

func TestFeedDropsSamplesWithoutCredit(t *testing.T) {
	stream, _ := server.NewRegistry().CreateStream("cam-1")
	factory := NewFactory(stream, nil)
	src := factory.NewSource(qos.List{})
	sink := &fakeSink{}
	if !src.Connect(sink) {
		t.Fatalf("expected Connect to succeed")
	}

	feed := src.(*Feed)
	feed.SendMessage(avcKeyFrame(1))
	if len(sink.received) != 0 {
		t.Fatalf("expected the sample to be dropped with zero credit, got %d", len(sink.received))
	}
}

func TestFeedEmitsWithinCredit(t *testing.T) {
	stream, _ := server.NewRegistry().CreateStream("cam-1")
	factory := NewFactory(stream, nil)
	src := factory.NewSource(qos.List{})
	sink := &fakeSink{}
	src.Connect(sink)
	src.Request(1)

	feed := src.(*Feed)
	feed.SendMessage(avcKeyFrame(1))

	if len(sink.received) != 1 {
		t.Fatalf("expected exactly one delivered sample, got %d", len(sink.received))
	}
	got := sink.received[0]
	if got.Major != MajorVideo {
		t.Fatalf("expected video major, got %v", got.Major)
	}
	if !got.Flags.Has(sample.KeySample) {
		t.Fatalf("expected key sample flag to be set")
	}
	got.Release()
}

func TestFeedMarksSequenceHeaderAsInitData(t *testing.T) {
	stream, _ := server.NewRegistry().CreateStream("cam-1")
	factory := NewFactory(stream, nil)
	src := factory.NewSource(qos.List{})
	sink := &fakeSink{}
	src.Connect(sink)
	src.Request(1)

	feed := src.(*Feed)
	feed.SendMessage(avcSequenceHeader())

	if len(sink.received) != 1 {
		t.Fatalf("expected exactly one delivered sample, got %d", len(sink.received))
	}
	if !sink.received[0].Flags.Has(sample.InitData) {
		t.Fatalf("expected InitData flag on a sequence header sample")
	}
	sink.received[0].Release()
}

func TestFeedReplaysCachedSequenceHeadersOnConnect(t *testing.T) {
	stream, _ := server.NewRegistry().CreateStream("cam-1")
	stream.VideoSequenceHeader = avcSequenceHeader()

	factory := NewFactory(stream, nil)
	src := factory.NewSource(qos.List{})
	sink := &fakeSink{}
	src.Request(1)
	src.Connect(sink)

	if len(sink.received) != 1 {
		t.Fatalf("expected the cached sequence header to be replayed, got %d samples", len(sink.received))
	}
	if !sink.received[0].Flags.Has(sample.InitData) {
		t.Fatalf("expected the replayed header to carry InitData")
	}
	sink.received[0].Release()
}

func TestFeedDisconnectRemovesSubscriber(t *testing.T) {
	stream, _ := server.NewRegistry().CreateStream("cam-1")
	factory := NewFactory(stream, nil)
	src := factory.NewSource(qos.List{})

	if stream.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber after NewSource, got %d", stream.SubscriberCount())
	}
	src.Disconnect()
	if stream.SubscriberCount() != 0 {
		t.Fatalf("expected zero subscribers after Disconnect, got %d", stream.SubscriberCount())
	}
}

func TestFeedIgnoresNonMediaMessages(t *testing.T) {
	stream, _ := server.NewRegistry().CreateStream("cam-1")
	factory := NewFactory(stream, nil)
	src := factory.NewSource(qos.List{})
	sink := &fakeSink{}
	src.Connect(sink)
	src.Request(5)

	feed := src.(*Feed)
	if err := feed.SendMessage(&chunk.Message{TypeID: 20, Payload: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(sink.received) != 0 {
		t.Fatalf("expected non-media message types to be ignored, got %d", len(sink.received))
	}
}

var _ pin.Sink = (*fakeSink)(nil)
