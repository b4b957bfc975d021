package hls

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPSIPacketsAligned(t *testing.T) {
	m := NewTSMuxer("h264", "aac")
	var buf bytes.Buffer
	m.WritePSI(&buf)

	require.Equal(t, 2*tsPacketSize, buf.Len())
	data := buf.Bytes()
	assert.Equal(t, byte(0x47), data[0])
	assert.Equal(t, byte(0x47), data[tsPacketSize])

	// PAT on PID 0, PMT on its assigned PID, both with PUSI set.
	assert.Equal(t, byte(0x40), data[1])
	pmtPid := uint16(data[tsPacketSize+1]&0x1F)<<8 | uint16(data[tsPacketSize+2])
	assert.Equal(t, uint16(pmtPID), pmtPid)
}

func TestPATCRC(t *testing.T) {
	m := NewTSMuxer("h264", "aac")
	section := m.buildPAT()
	require.GreaterOrEqual(t, len(section), 4)
	body := section[:len(section)-4]
	crc := crc32MPEG(body)
	got := uint32(section[len(section)-4])<<24 | uint32(section[len(section)-3])<<16 |
		uint32(section[len(section)-2])<<8 | uint32(section[len(section)-1])
	assert.Equal(t, crc, got)
}

func TestPMTListsStreams(t *testing.T) {
	m := NewTSMuxer("h264", "aac")
	section := m.buildPMT()
	assert.Contains(t, string(section), string([]byte{streamTypeH264}))
	assert.Contains(t, string(section), string([]byte{streamTypeADTS}))

	opus := NewTSMuxer("h265", "opus")
	section = opus.buildPMT()
	assert.Contains(t, string(section), string([]byte{streamTypeH265}))
	assert.Contains(t, string(section), string([]byte{streamTypePrivateData}))
}

func TestWriteVideoProducesAlignedPackets(t *testing.T) {
	m := NewTSMuxer("h264", "aac")
	var buf bytes.Buffer
	payload := make([]byte, 1000)
	m.WriteVideo(&buf, 90000, 90000, payload, true)

	require.Zero(t, buf.Len()%tsPacketSize)
	data := buf.Bytes()
	for off := 0; off < len(data); off += tsPacketSize {
		assert.Equal(t, byte(0x47), data[off], "sync byte at packet %d", off/tsPacketSize)
	}
	// First packet of a key frame carries the adaptation field with PCR.
	assert.NotZero(t, data[3]&0x20, "adaptation field flag")
	assert.NotZero(t, data[5]&0x10, "PCR flag")
	assert.NotZero(t, data[5]&0x40, "random access indicator")
}

func TestContinuityCountersIncrement(t *testing.T) {
	m := NewTSMuxer("h264", "")
	var buf bytes.Buffer
	m.WriteVideo(&buf, 0, 0, make([]byte, 10), false)
	m.WriteVideo(&buf, 3000, 3000, make([]byte, 10), false)

	data := buf.Bytes()
	first := data[3] & 0x0F
	second := data[tsPacketSize+3] & 0x0F
	assert.Equal(t, (first+1)&0x0F, second)
}

func TestPESTimestampEncoding(t *testing.T) {
	pes := buildPES(pesVideoStreamID, 90000, 87000, []byte{0xAA}, true)
	// Start code + stream id.
	assert.Equal(t, []byte{0x00, 0x00, 0x01, pesVideoStreamID}, pes[:4])
	// PTS+DTS flags and 10 header bytes.
	assert.Equal(t, byte(0xC0), pes[7])
	assert.Equal(t, byte(10), pes[8])

	// Audio with equal PTS/DTS carries PTS only.
	pes = buildPES(pesAudioStreamID, 90000, 90000, []byte{0xAA}, false)
	assert.Equal(t, byte(0x80), pes[7])
	assert.Equal(t, byte(5), pes[8])
}
