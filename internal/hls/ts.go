package hls

import (
	"bytes"
)

// MPEG-TS constants. One program; video on PID 0x100 (also the PCR PID),
// audio on PID 0x101, PMT on PID 0x1000.
const (
	tsPacketSize = 188
	patPID       = 0x0000
	pmtPID       = 0x1000
	videoPID     = 0x0100
	audioPID     = 0x0101

	streamTypeH264        = 0x1B
	streamTypeH265        = 0x24
	streamTypeADTS        = 0x0F
	streamTypePrivateData = 0x06 // Opus carried as private data

	pesVideoStreamID = 0xE0
	pesAudioStreamID = 0xC0
)

// TSMuxer packetises elementary streams into 188-byte transport packets.
// One muxer per segment writer; continuity counters persist across
// segments within a stream.
type TSMuxer struct {
	videoType byte
	audioType byte
	cc        map[uint16]byte
}

// NewTSMuxer creates a muxer for the given codec pair ("h264"/"h265",
// "aac"/"opus"; empty string disables the stream).
func NewTSMuxer(videoCodec, audioCodec string) *TSMuxer {
	m := &TSMuxer{cc: make(map[uint16]byte)}
	switch videoCodec {
	case "h265":
		m.videoType = streamTypeH265
	case "h264":
		m.videoType = streamTypeH264
	}
	switch audioCodec {
	case "aac":
		m.audioType = streamTypeADTS
	case "opus":
		m.audioType = streamTypePrivateData
	}
	return m
}

func (m *TSMuxer) nextCC(pid uint16) byte {
	c := m.cc[pid]
	m.cc[pid] = (c + 1) & 0x0F
	return c
}

// WritePSI appends PAT and PMT packets. Called at the start of every
// segment so each one is independently decodable.
func (m *TSMuxer) WritePSI(buf *bytes.Buffer) {
	m.writeSection(buf, patPID, m.buildPAT())
	m.writeSection(buf, pmtPID, m.buildPMT())
}

// WriteVideo appends the PES packets for one Annex-B access unit. Key
// frames carry a PCR.
func (m *TSMuxer) WriteVideo(buf *bytes.Buffer, pts, dts uint64, data []byte, keyFrame bool) {
	pes := buildPES(pesVideoStreamID, pts, dts, data, true)
	m.writePES(buf, videoPID, pes, keyFrame, dts)
}

// WriteAudio appends the PES packets for one audio frame (ADTS for AAC,
// raw for Opus private data).
func (m *TSMuxer) WriteAudio(buf *bytes.Buffer, pts uint64, data []byte) {
	pes := buildPES(pesAudioStreamID, pts, pts, data, false)
	m.writePES(buf, audioPID, pes, false, 0)
}

// buildPAT builds the program association section mapping program 1 to the
// PMT PID.
func (m *TSMuxer) buildPAT() []byte {
	body := []byte{
		0x00,       // table_id
		0xB0, 0x0D, // section syntax + length (13)
		0x00, 0x01, // transport_stream_id
		0xC1,       // version 0, current_next
		0x00, 0x00, // section / last section number
		0x00, 0x01, // program number 1
		0xE0 | byte(pmtPID>>8), byte(pmtPID), // PMT PID
	}
	return appendCRC32(body)
}

// buildPMT builds the program map section listing the elementary streams.
func (m *TSMuxer) buildPMT() []byte {
	var streams []byte
	if m.videoType != 0 {
		streams = append(streams,
			m.videoType,
			0xE0|byte(videoPID>>8), byte(videoPID),
			0xF0, 0x00, // ES info length 0
		)
	}
	if m.audioType != 0 {
		streams = append(streams,
			m.audioType,
			0xE0|byte(audioPID>>8), byte(audioPID),
			0xF0, 0x00,
		)
	}
	length := 9 + len(streams) + 4 // after section length field, incl. CRC
	body := []byte{
		0x02, // table_id
		0xB0 | byte(length>>8), byte(length),
		0x00, 0x01, // program number
		0xC1,       // version 0, current_next
		0x00, 0x00, // section / last section number
		0xE0 | byte(videoPID>>8), byte(videoPID), // PCR PID
		0xF0, 0x00, // program info length 0
	}
	body = append(body, streams...)
	return appendCRC32(body)
}

// writeSection emits one PSI section in a single packet with a pointer
// field.
func (m *TSMuxer) writeSection(buf *bytes.Buffer, pid uint16, section []byte) {
	pkt := make([]byte, tsPacketSize)
	pkt[0] = 0x47
	pkt[1] = 0x40 | byte(pid>>8) // payload unit start
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | m.nextCC(pid) // payload only
	pkt[4] = 0x00                 // pointer field
	n := copy(pkt[5:], section)
	for i := 5 + n; i < tsPacketSize; i++ {
		pkt[i] = 0xFF
	}
	buf.Write(pkt)
}

// writePES splits one PES packet across transport packets, stuffing the
// final packet with an adaptation field. The first packet of a key frame
// carries PCR and the random access indicator.
func (m *TSMuxer) writePES(buf *bytes.Buffer, pid uint16, pes []byte, keyFrame bool, pcrBase uint64) {
	first := true
	for len(pes) > 0 {
		pkt := make([]byte, 0, tsPacketSize)
		header := []byte{0x47, byte(pid >> 8), byte(pid), 0x10 | m.nextCC(pid)}
		if first {
			header[1] |= 0x40
		}

		var adaptation []byte
		if first && keyFrame {
			adaptation = buildPCRAdaptation(pcrBase)
			header[3] |= 0x20
		}

		space := tsPacketSize - 4 - len(adaptation)
		if len(pes) < space {
			// Stuff via adaptation field so the packet is exactly 188
			// bytes.
			pad := space - len(pes)
			if len(adaptation) == 0 {
				header[3] |= 0x20
				if pad == 1 {
					adaptation = []byte{0}
				} else {
					adaptation = make([]byte, pad)
					adaptation[0] = byte(pad - 1)
					adaptation[1] = 0x00
					for i := 2; i < pad; i++ {
						adaptation[i] = 0xFF
					}
				}
			} else {
				// Extend the existing adaptation field.
				ext := make([]byte, pad)
				for i := range ext {
					ext[i] = 0xFF
				}
				adaptation = append(adaptation, ext...)
				adaptation[0] = byte(len(adaptation) - 1)
			}
			space = tsPacketSize - 4 - len(adaptation)
		}

		pkt = append(pkt, header...)
		pkt = append(pkt, adaptation...)
		n := space
		if n > len(pes) {
			n = len(pes)
		}
		pkt = append(pkt, pes[:n]...)
		pes = pes[n:]
		buf.Write(pkt)
		first = false
	}
}

// buildPCRAdaptation builds an adaptation field carrying only the PCR with
// the random access indicator set.
func buildPCRAdaptation(pcrBase uint64) []byte {
	a := make([]byte, 8)
	a[0] = 7    // length
	a[1] = 0x50 // random access + PCR flag
	a[2] = byte(pcrBase >> 25)
	a[3] = byte(pcrBase >> 17)
	a[4] = byte(pcrBase >> 9)
	a[5] = byte(pcrBase >> 1)
	a[6] = byte(pcrBase<<7)&0x80 | 0x7E // low bit + reserved, extension 0
	a[7] = 0x00
	return a
}

// buildPES builds one PES packet with PTS (and DTS when withDTS and they
// differ).
func buildPES(streamID byte, pts, dts uint64, data []byte, withDTS bool) []byte {
	useDTS := withDTS && dts != pts
	headerLen := 5
	flags := byte(0x80) // PTS only
	if useDTS {
		headerLen = 10
		flags = 0xC0
	}

	packetLen := 3 + headerLen + len(data)
	if streamID == pesVideoStreamID && packetLen > 0xFFFF {
		packetLen = 0 // unbounded, allowed for video
	}

	out := make([]byte, 0, 9+headerLen+len(data))
	out = append(out, 0x00, 0x00, 0x01, streamID)
	out = append(out, byte(packetLen>>8), byte(packetLen))
	out = append(out, 0x80, flags, byte(headerLen))
	out = appendTimestamp(out, flags>>6, pts)
	if useDTS {
		out = appendTimestamp(out, 0x01, dts)
	}
	return append(out, data...)
}

// appendTimestamp encodes a 33-bit PTS/DTS into the 5-byte marker format.
func appendTimestamp(out []byte, prefix byte, ts uint64) []byte {
	return append(out,
		prefix<<4|byte(ts>>29)&0x0E|0x01,
		byte(ts>>22),
		byte(ts>>14)|0x01,
		byte(ts>>7),
		byte(ts<<1)|0x01,
	)
}

// appendCRC32 appends the MPEG-2 CRC over the section body.
func appendCRC32(section []byte) []byte {
	crc := crc32MPEG(section)
	return append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// crc32MPEG is the CRC-32/MPEG-2 used by PSI sections.
func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
