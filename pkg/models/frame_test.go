package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewVideoFrameKeyFrameDetection(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		codec   string
		wantKey bool
	}{
		{"h264 keyframe", []byte{0x17, 0x01, 0x00, 0x00, 0x00}, "h264", true},
		{"h264 inter frame", []byte{0x27, 0x01, 0x00, 0x00, 0x00}, "h264", false},
		{"h265 keyframe", []byte{0x1C, 0x01, 0x00, 0x00, 0x00}, "h265", true},
		{"unknown codec", []byte{0x17, 0x01}, "vp9", false},
		{"empty payload", nil, "h264", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewVideoFrame(0, tt.payload, tt.codec)
			assert.Equal(t, tt.wantKey, f.IsKeyFrame)
			assert.Equal(t, FrameVideo, f.Kind)
		})
	}
}

func TestFrameIsMedia(t *testing.T) {
	assert.True(t, (&Frame{Kind: FrameVideo}).IsMedia())
	assert.True(t, (&Frame{Kind: FrameAudio}).IsMedia())
	assert.False(t, (&Frame{Kind: FrameMetadata}).IsMedia())
	assert.False(t, (&Frame{Kind: FrameMediaInfo}).IsMedia())
}

func TestStreamKeySegmentName(t *testing.T) {
	key := StreamKey{App: "r1", Stream: "m1"}
	assert.Equal(t, "r1-m1-abc123", key.SegmentName("abc123"))
	assert.Equal(t, "r1/m1", key.String())
}
