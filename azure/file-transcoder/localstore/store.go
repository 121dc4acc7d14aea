// Package localstore is a local-disk Storage Source reference
// implementation: it reads back the FLV segments internal/rtmp/media.Recorder
// writes, and exposes them as rpcendpoint.StorageSource/StorageEndpoint, the
// same external collaborator contract a remote archive service would satisfy
// over the network. It performs no transcoding — it replays exactly the
// audio/video tags the recorder wrote, the way cmd/mediad/rtmpsource
// converts a live stream's tags into samples.
package localstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alxayo/mmtransport/internal/bufpool"
	"github.com/alxayo/mmtransport/internal/rpcendpoint"
	"github.com/alxayo/mmtransport/internal/rtmp/media"
	"github.com/alxayo/mmtransport/internal/transport/acceptor"
	"github.com/alxayo/mmtransport/internal/transport/endpoint"
	"github.com/alxayo/mmtransport/internal/transport/negotiator"
	"github.com/alxayo/mmtransport/internal/transport/pin"
	"github.com/alxayo/mmtransport/internal/transport/qos"
	"github.com/alxayo/mmtransport/internal/transport/sample"
)

const audioTypeID, videoTypeID = 8, 9

// segmentNameLayout matches internal/rtmp/server/command_integration.go's
// initRecorder filename convention: "<safeKey>_<20060102_150405>.flv".
const segmentNameLayout = "20060102_150405"

// Major/Subtype fourcc convention mirrors cmd/mediad/rtmpsource exactly, so
// a sink cannot tell whether a sample came from a live Feed or a replayed
// archive.
const (
	MajorVideo sample.TypeCode = 1
	MajorAudio sample.TypeCode = 2
)

func fourcc(name string) sample.TypeCode {
	var b [4]byte
	copy(b[:], name)
	return sample.TypeCode(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

// segment is one recorded FLV file discovered on disk.
type segment struct {
	path  string
	begin time.Time
	end   time.Time
}

// Store implements rpcendpoint.StorageSource over a directory of FLV
// segments, one Store per RTMP stream key. It shares the live daemon's
// Negotiator/Acceptor so an archived RequestConnection negotiates a
// transport the exact same way a live Endpoint's does.
type Store struct {
	dir        string
	streamKey  string
	negotiator *negotiator.Negotiator
	acceptor   *acceptor.Acceptor
}

var _ rpcendpoint.StorageSource = (*Store)(nil)

// New returns a Store serving streamKey's recordings out of dir (the same
// directory internal/rtmp/server.Config.RecordDir points the recorder at).
func New(dir, streamKey string, neg *negotiator.Negotiator, acc *acceptor.Acceptor) *Store {
	return &Store{dir: dir, streamKey: streamKey, negotiator: neg, acceptor: acc}
}

func (s *Store) segments() ([]segment, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read record dir: %w", err)
	}
	prefix := s.streamKey + "_"
	var out []segment
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".flv") || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		ts := strings.TrimSuffix(strings.TrimPrefix(e.Name(), prefix), ".flv")
		begin, err := time.ParseInLocation(segmentNameLayout, ts, time.Local)
		if err != nil {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		info, err := e.Info()
		end := begin
		if err == nil {
			end = info.ModTime()
		}
		out = append(out, segment{path: path, begin: begin, end: end})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].begin.Before(out[j].begin) })
	return out, nil
}

// GetHistory implements rpcendpoint.StorageSource: every segment whose
// interval overlaps [from, to), oldest first, capped at maxCount and
// de-duplicated to at least minGap apart (spec.md §4.9 "Interval discovery").
func (s *Store) GetHistory(ctx context.Context, from, to time.Time, maxCount uint32, minGap time.Duration) ([]rpcendpoint.Interval, error) {
	segs, err := s.segments()
	if err != nil {
		return nil, err
	}
	var out []rpcendpoint.Interval
	var lastEnd time.Time
	for _, sg := range segs {
		if !sg.end.After(from) || !sg.begin.Before(to) {
			continue
		}
		if !lastEnd.IsZero() && sg.begin.Sub(lastEnd) < minGap {
			continue
		}
		out = append(out, rpcendpoint.Interval{Begin: sg.begin, End: sg.end})
		lastEnd = sg.end
		if maxCount > 0 && uint32(len(out)) >= maxCount {
			break
		}
	}
	return out, nil
}

// GetSourceReaderEndpoint implements rpcendpoint.StorageSource: it locates
// the segment covering from and wraps it in a StorageEndpoint. priority and
// isRealtime are accepted for interface compatibility; a local-disk reader
// never needs to arbitrate against other readers the way a shared device
// feed would.
func (s *Store) GetSourceReaderEndpoint(ctx context.Context, from time.Time, startPos rpcendpoint.StartPosition, isRealtime bool, mode rpcendpoint.PlaybackMode, priority rpcendpoint.SourcePriority) (rpcendpoint.StorageEndpoint, error) {
	segs, err := s.segments()
	if err != nil {
		return nil, err
	}
	for _, sg := range segs {
		if !from.Before(sg.begin) && from.Before(sg.end.Add(time.Second)) {
			return newStorageEndpoint(s.streamKey, sg, mode, s.negotiator, s.acceptor), nil
		}
	}
	return nil, fmt.Errorf("localstore: no segment covers %s for stream %q", from, s.streamKey)
}

// storageEndpoint adapts one segment into an endpoint.Endpoint plus Seek, so
// the Sequence Planner (which only knows rpcendpoint.StorageEndpoint) can
// drive archived playback exactly the way it drives a live Endpoint.
type storageEndpoint struct {
	*endpoint.Endpoint
	factory *segmentFactory
}

func newStorageEndpoint(streamKey string, sg segment, mode rpcendpoint.PlaybackMode, neg *negotiator.Negotiator, acc *acceptor.Acceptor) *storageEndpoint {
	factory := &segmentFactory{segment: sg, mode: mode}
	ep := endpoint.New(streamKey, factory, neg, acc, factory.Stats)
	return &storageEndpoint{Endpoint: ep, factory: factory}
}

// Seek implements rpcendpoint.StorageEndpoint: it repositions the segment
// the NEXT RequestConnection's reader starts from. sessionID is accepted for
// interface compatibility with the RPC contract's stale-session fencing; a
// single-segment local reader has nothing else that could race it.
func (e *storageEndpoint) Seek(ctx context.Context, at time.Time, startPos rpcendpoint.StartPosition, mode rpcendpoint.PlaybackMode, sessionID uint32) error {
	e.factory.reseek(at, mode)
	return nil
}

// segmentFactory implements endpoint.SourceFactory over one recorded FLV
// file.
type segmentFactory struct {
	segment segment
	mode    rpcendpoint.PlaybackMode
	from    time.Time
}

func (f *segmentFactory) reseek(at time.Time, mode rpcendpoint.PlaybackMode) {
	f.from = at
	f.mode = mode
}

func (f *segmentFactory) NewSource(q qos.List) pin.Source {
	r := &segmentReader{
		segment: f.segment,
		reverse: f.mode.Reverse,
		credit:  make(chan struct{}, 1<<20),
		done:    make(chan struct{}),
	}
	go r.pump()
	return r
}

// Stats implements the stats callback endpoint.New requires. A recorded
// segment carries no live bitrate/framerate signal worth windowing, so this
// reports zero values rather than fabricating a Collector for playback.
func (f *segmentFactory) Stats() rpcendpoint.EndpointStatistics {
	return rpcendpoint.EndpointStatistics{}
}

// segmentReader is a pin.Source that reads FLV tags out of one file and
// emits them as they're credited, honoring the pull/credit contract instead
// of dropping: unlike a live Feed, recorded media can be re-read, so this
// paces itself to the sink's Request calls rather than discarding frames.
type segmentReader struct {
	pin.Base
	segment segment
	reverse bool

	credit chan struct{}
	done   chan struct{}
}

var _ pin.Source = (*segmentReader)(nil)

func (r *segmentReader) Request(n int64) {
	r.Base.Request(n)
	for i := int64(0); i < n; i++ {
		select {
		case r.credit <- struct{}{}:
		default:
		}
	}
}

func (r *segmentReader) Disconnect() {
	r.Base.Disconnect()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (r *segmentReader) pump() {
	tags, err := readTags(r.segment.path)
	if err != nil {
		r.Base.Emit(sample.New(nil, 0, sample.EndOfStream, nil))
		return
	}
	if r.reverse {
		for i, j := 0, len(tags)-1; i < j; i, j = i+1, j-1 {
			tags[i], tags[j] = tags[j], tags[i]
		}
	}

	for _, tag := range tags {
		select {
		case <-r.done:
			return
		case <-r.credit:
		}
		s := tagToSample(tag)
		if s == nil {
			continue
		}
		if !r.Base.Emit(s) {
			s.Release()
			return
		}
	}
	r.Base.Emit(sample.New(nil, 0, sample.EndOfStream, nil))
}

// flvTag is one parsed FLV tag, carrying just enough to hand its payload to
// the existing media.ParseVideoMessage/ParseAudioMessage codec detectors.
type flvTag struct {
	typeID    uint8
	timestamp uint32
	payload   []byte
}

// readTags parses every audio/video tag out of an FLV file written by
// internal/rtmp/media.Recorder (13-byte header, then repeating
// 11-byte-tag-header + payload + 4-byte PreviousTagSize).
func readTags(path string) ([]flvTag, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, 13)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("read flv header: %w", err)
	}
	if string(header[:3]) != "FLV" {
		return nil, fmt.Errorf("not an flv file: %s", path)
	}

	var tags []flvTag
	hdr := make([]byte, 11)
	for {
		if _, err := io.ReadFull(f, hdr); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		typeID := hdr[0]
		dataSize := int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
		timestamp := uint32(hdr[4])<<16 | uint32(hdr[5])<<8 | uint32(hdr[6]) | uint32(hdr[7])<<24

		payload := make([]byte, dataSize)
		if dataSize > 0 {
			if _, err := io.ReadFull(f, payload); err != nil {
				return nil, fmt.Errorf("read tag payload: %w", err)
			}
		}
		var prevSize [4]byte
		if _, err := io.ReadFull(f, prevSize[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		_ = binary.BigEndian.Uint32(prevSize[:])

		if typeID == audioTypeID || typeID == videoTypeID {
			tags = append(tags, flvTag{typeID: typeID, timestamp: timestamp, payload: payload})
		}
	}
	return tags, nil
}

// tagToSample converts one recorded tag into a sample.Sample the same way
// cmd/mediad/rtmpsource.Feed.emit converts a live chunk.Message, so archived
// and live playback produce identical sample shapes.
func tagToSample(tag flvTag) *sample.Sample {
	body := bufpool.Get(len(tag.payload))
	copy(body, tag.payload)

	isVideo := tag.typeID == videoTypeID
	major := MajorAudio
	var subtype sample.TypeCode
	var flags sample.Flags

	if isVideo {
		major = MajorVideo
		if vm, err := media.ParseVideoMessage(tag.payload); err == nil {
			subtype = fourcc(vm.Codec)
			if vm.FrameType == media.VideoFrameTypeKey {
				flags |= sample.KeySample
			}
			if vm.PacketType == media.AVCPacketTypeSequenceHeader {
				flags |= sample.InitData
			}
		}
	} else {
		if am, err := media.ParseAudioMessage(tag.payload); err == nil {
			subtype = fourcc(am.Codec)
			if am.PacketType == media.AACPacketTypeSequenceHeader {
				flags |= sample.InitData
			}
		}
	}

	s := sample.New(body, time.Duration(tag.timestamp)*time.Millisecond, flags, func(s *sample.Sample) { bufpool.Put(body) })
	s.Major = major
	s.Subtype = subtype
	return s
}
