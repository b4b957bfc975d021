package muxer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FLV codec ids seen in the first byte of video/audio tag bodies.
const (
	VideoCodecAVC  = 7  // H.264
	VideoCodecHEVC = 12 // H.265 (enhanced FLV)

	AudioCodecAAC  = 10
	AudioCodecOpus = 13
)

// VideoPacket is the parsed form of an FLV video tag body.
type VideoPacket struct {
	Codec            string // "h264" or "h265"
	IsKeyFrame       bool
	IsSequenceHeader bool
	Data             []byte // AVCC payload after the 5-byte FLV header
	CompositionTime  int32
}

// ParseVideoPacket extracts frame type, codec and payload from an FLV video
// tag body. Frame type 1 is a key frame; AVCPacketType 0 is the sequence
// header carrying the decoder configuration.
func ParseVideoPacket(data []byte) (*VideoPacket, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("video packet too short: %d bytes", len(data))
	}
	frameType := data[0] >> 4
	codecID := data[0] & 0x0F

	var codec string
	switch codecID {
	case VideoCodecAVC:
		codec = "h264"
	case VideoCodecHEVC:
		codec = "h265"
	default:
		return nil, fmt.Errorf("unsupported video codec id %d", codecID)
	}

	ct := int32(data[2])<<16 | int32(data[3])<<8 | int32(data[4])
	return &VideoPacket{
		Codec:            codec,
		IsKeyFrame:       frameType == 1,
		IsSequenceHeader: data[1] == 0,
		Data:             data[5:],
		CompositionTime:  ct,
	}, nil
}

// AudioPacket is the parsed form of an FLV audio tag body.
type AudioPacket struct {
	Codec            string // "aac" or "opus"
	IsSequenceHeader bool
	Data             []byte
}

// ParseAudioPacket extracts codec and payload from an FLV audio tag body.
// For AAC, packet type 0 is the AudioSpecificConfig.
func ParseAudioPacket(data []byte) (*AudioPacket, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("audio packet too short: %d bytes", len(data))
	}
	format := data[0] >> 4
	switch format {
	case AudioCodecAAC:
		return &AudioPacket{Codec: "aac", IsSequenceHeader: data[1] == 0, Data: data[2:]}, nil
	case AudioCodecOpus:
		return &AudioPacket{Codec: "opus", Data: data[1:]}, nil
	default:
		return nil, fmt.Errorf("unsupported audio codec id %d", format)
	}
}

// DecoderConfig is the parsed AVCDecoderConfigurationRecord from the video
// sequence header.
type DecoderConfig struct {
	Profile       uint8
	Level         uint8
	NALUnitLength int
	SPS           [][]byte
	PPS           [][]byte
}

// ParseDecoderConfig parses the AVCC decoder configuration sent as the
// first video packet of a stream.
func ParseDecoderConfig(data []byte) (*DecoderConfig, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("decoder config too short: %d bytes", len(data))
	}
	cfg := &DecoderConfig{
		Profile:       data[1],
		Level:         data[3],
		NALUnitLength: int(data[4]&0x03) + 1,
	}
	r := bytes.NewReader(data[5:])

	var numSPS uint8
	if err := binary.Read(r, binary.BigEndian, &numSPS); err != nil {
		return nil, fmt.Errorf("failed to read SPS count: %w", err)
	}
	numSPS &= 0x1F
	for i := 0; i < int(numSPS); i++ {
		sps, err := readLengthPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read SPS %d: %w", i, err)
		}
		cfg.SPS = append(cfg.SPS, sps)
	}

	var numPPS uint8
	if err := binary.Read(r, binary.BigEndian, &numPPS); err != nil {
		return nil, fmt.Errorf("failed to read PPS count: %w", err)
	}
	for i := 0; i < int(numPPS); i++ {
		pps, err := readLengthPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read PPS %d: %w", i, err)
		}
		cfg.PPS = append(cfg.PPS, pps)
	}
	return cfg, nil
}

func readLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
