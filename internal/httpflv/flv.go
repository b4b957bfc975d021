package httpflv

import (
	"encoding/binary"

	"github.com/zijiren233/synctv-relay/pkg/models"
)

// FLV tag types.
const (
	TagAudio  = 8
	TagVideo  = 9
	TagScript = 18
)

// Header builds the 13-byte FLV file header (9 header bytes plus the
// leading PreviousTagSize0) with flags derived from the stream's media
// info.
func Header(hasVideo, hasAudio bool) []byte {
	var flags byte
	if hasAudio {
		flags |= 0x04
	}
	if hasVideo {
		flags |= 0x01
	}
	return []byte{
		'F', 'L', 'V', 0x01, flags,
		0x00, 0x00, 0x00, 0x09, // header size
		0x00, 0x00, 0x00, 0x00, // PreviousTagSize0
	}
}

// EncodeTag builds one FLV tag followed by its PreviousTagSize. Timestamps
// above 24 bits spill into the extended timestamp byte.
func EncodeTag(tagType byte, timestamp uint32, payload []byte) []byte {
	n := len(payload)
	out := make([]byte, 0, 11+n+4)
	out = append(out, tagType)
	out = append(out, byte(n>>16), byte(n>>8), byte(n))
	out = append(out, byte(timestamp>>16), byte(timestamp>>8), byte(timestamp), byte(timestamp>>24))
	out = append(out, 0x00, 0x00, 0x00) // stream id
	out = append(out, payload...)
	var prev [4]byte
	binary.BigEndian.PutUint32(prev[:], uint32(11+n))
	return append(out, prev[:]...)
}

// EncodeFrame renders a hub frame as an FLV tag, or nil for frames with no
// FLV representation (MediaInfo).
func EncodeFrame(f models.Frame) []byte {
	switch f.Kind {
	case models.FrameVideo:
		return EncodeTag(TagVideo, f.Timestamp, f.Payload)
	case models.FrameAudio:
		return EncodeTag(TagAudio, f.Timestamp, f.Payload)
	case models.FrameMetadata:
		return EncodeTag(TagScript, f.Timestamp, f.Payload)
	default:
		return nil
	}
}
