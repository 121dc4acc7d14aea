// Package channel implements the Output/Input Channel Wrappers of
// spec.md §4.6: for the socket-backed transport variants (Local, Tcp,
// Udp, Multicast) it carries a pull-pin pair plus a small framed wire
// codec used to move samples and back-pressure credits across the
// connection.
package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/alxayo/mmtransport/internal/transport/sample"
)

// frameKind distinguishes a sample frame from a credit (Request) frame on
// the wire; both share one connection so Output/Input need only one
// socket per direction.
type frameKind uint8

const (
	frameSample frameKind = iota
	frameCredit
)

// encodeSample serializes s into the wire format: kind, flags, timestamp,
// major, subtype, body length + body, header count + (id, len, bytes)*.
// allocatorID, when non-nil (a Local channel), is embedded as an additional
// header so the peer may map the body by reference instead of copying it.
func encodeSample(w io.Writer, s *sample.Sample, allocatorID *[16]byte) error {
	var hdr [1 + 4 + 8 + 4 + 4 + 4]byte
	hdr[0] = byte(frameSample)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(s.Flags))
	binary.BigEndian.PutUint64(hdr[5:13], uint64(s.Timestamp))
	binary.BigEndian.PutUint32(hdr[13:17], uint32(s.Major))
	binary.BigEndian.PutUint32(hdr[17:21], uint32(s.Subtype))
	binary.BigEndian.PutUint32(hdr[21:25], uint32(len(s.Body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(s.Body) > 0 {
		if _, err := w.Write(s.Body); err != nil {
			return err
		}
	}
	sessionID, hasSession := s.SessionID()
	var hdrCount uint32
	if hasSession {
		hdrCount++
	}
	if allocatorID != nil {
		hdrCount++
	}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], hdrCount)
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}
	if hasSession {
		var entry [4 + 4 + 4]byte
		binary.BigEndian.PutUint32(entry[0:4], uint32(sample.SessionIDHeader))
		binary.BigEndian.PutUint32(entry[4:8], 4)
		binary.BigEndian.PutUint32(entry[8:12], sessionID)
		if _, err := w.Write(entry[:]); err != nil {
			return err
		}
	}
	if allocatorID != nil {
		var entry [4 + 4 + 16]byte
		binary.BigEndian.PutUint32(entry[0:4], uint32(sample.AllocatorIDHeader))
		binary.BigEndian.PutUint32(entry[4:8], 16)
		copy(entry[8:24], allocatorID[:])
		if _, err := w.Write(entry[:]); err != nil {
			return err
		}
	}
	return nil
}

// encodeCredit writes a credit (Request) frame: kind + 8-byte count.
func encodeCredit(w io.Writer, n int64) error {
	var buf [1 + 8]byte
	buf[0] = byte(frameCredit)
	binary.BigEndian.PutUint64(buf[1:], uint64(n))
	_, err := w.Write(buf[:])
	return err
}

// frame is the result of reading one wire frame: exactly one of (sample,
// credit) is meaningful, selected by kind.
type frame struct {
	kind   frameKind
	sample *sample.Sample
	credit int64
}

// readFrame reads and fully decodes one frame from r, dispatching on its
// leading kind byte. release is passed through to a decoded sample.
func readFrame(r io.Reader, release func(*sample.Sample)) (frame, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return frame{}, err
	}
	switch frameKind(kindBuf[0]) {
	case frameSample:
		s, err := decodeSampleBody(r, release)
		if err != nil {
			return frame{}, err
		}
		return frame{kind: frameSample, sample: s}, nil
	case frameCredit:
		n, err := decodeCreditBody(r)
		if err != nil {
			return frame{}, err
		}
		return frame{kind: frameCredit, credit: n}, nil
	default:
		return frame{}, fmt.Errorf("channel: unknown frame kind %d", kindBuf[0])
	}
}

// decodeSampleBody reads a sample frame's body, given its kind byte has
// already been consumed by readFrame.
func decodeSampleBody(r io.Reader, release func(*sample.Sample)) (*sample.Sample, error) {
	var hdr [4 + 8 + 4 + 4 + 4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	flags := sample.Flags(binary.BigEndian.Uint32(hdr[0:4]))
	ts := time.Duration(binary.BigEndian.Uint64(hdr[4:12]))
	major := sample.TypeCode(binary.BigEndian.Uint32(hdr[12:16]))
	subtype := sample.TypeCode(binary.BigEndian.Uint32(hdr[16:20]))
	bodyLen := binary.BigEndian.Uint32(hdr[20:24])

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	s := sample.New(body, ts, flags, release)
	s.Major = major
	s.Subtype = subtype

	for i := uint32(0); i < count; i++ {
		var entry [4 + 4]byte
		if _, err := io.ReadFull(r, entry[:]); err != nil {
			return nil, err
		}
		id := sample.HeaderID(binary.BigEndian.Uint32(entry[0:4]))
		length := binary.BigEndian.Uint32(entry[4:8])
		value := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, value); err != nil {
				return nil, err
			}
		}
		s.SetHeader(id, value)
	}
	return s, nil
}

func decodeCreditBody(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}
