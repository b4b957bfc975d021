package muxer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// H.264 NAL unit types that always get the 4-byte start code.
const (
	nalTypeIDR = 5
	nalTypeSPS = 7
	nalTypePPS = 8
)

var (
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	startCode3 = []byte{0x00, 0x00, 0x01}
)

// AVCCToAnnexB converts length-prefixed NAL units (AVCC, as carried by
// RTMP/FLV) into start-code-prefixed Annex-B as required by MPEG-TS.
func AVCCToAnnexB(avcc []byte) ([]byte, error) {
	if len(avcc) == 0 {
		return nil, fmt.Errorf("empty AVCC data")
	}
	var out bytes.Buffer
	offset := 0
	count := 0
	for offset+4 <= len(avcc) {
		size := binary.BigEndian.Uint32(avcc[offset : offset+4])
		offset += 4
		if size == 0 {
			continue
		}
		if offset+int(size) > len(avcc) {
			return nil, fmt.Errorf("invalid NAL size %d at offset %d", size, offset-4)
		}
		nal := avcc[offset : offset+int(size)]
		offset += int(size)

		switch nal[0] & 0x1F {
		case nalTypeSPS, nalTypePPS, nalTypeIDR:
			out.Write(startCode4)
		default:
			out.Write(startCode3)
		}
		out.Write(nal)
		count++
	}
	if count == 0 {
		return nil, fmt.Errorf("no NAL units found in AVCC data")
	}
	return out.Bytes(), nil
}

// PrependParameterSets prepends SPS and PPS NAL units (Annex-B form) to a
// key frame so every segment opens decodable.
func PrependParameterSets(frame []byte, sps, pps [][]byte) []byte {
	var out bytes.Buffer
	for _, s := range sps {
		out.Write(startCode4)
		out.Write(s)
	}
	for _, p := range pps {
		out.Write(startCode4)
		out.Write(p)
	}
	out.Write(frame)
	return out.Bytes()
}
