package muxer

import "fmt"

// aacSampleRates indexes the sampling_frequency_index field of the
// AudioSpecificConfig.
var aacSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// AACConfig is the parsed AudioSpecificConfig from the AAC sequence header.
type AACConfig struct {
	ObjectType      uint8
	SampleRateIndex uint8
	SampleRate      int
	Channels        uint8
}

// ParseAACConfig parses the two-byte AudioSpecificConfig.
func ParseAACConfig(data []byte) (*AACConfig, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("audio specific config too short: %d bytes", len(data))
	}
	cfg := &AACConfig{
		ObjectType:      data[0] >> 3,
		SampleRateIndex: (data[0]&0x07)<<1 | data[1]>>7,
		Channels:        (data[1] >> 3) & 0x0F,
	}
	if int(cfg.SampleRateIndex) >= len(aacSampleRates) {
		return nil, fmt.Errorf("invalid sample rate index %d", cfg.SampleRateIndex)
	}
	cfg.SampleRate = aacSampleRates[cfg.SampleRateIndex]
	return cfg, nil
}

// ADTSHeader builds the 7-byte ADTS header for one raw AAC frame so it can
// be carried in an MPEG-TS PES packet.
func (c *AACConfig) ADTSHeader(frameLen int) []byte {
	full := frameLen + 7
	h := make([]byte, 7)
	h[0] = 0xFF
	h[1] = 0xF1 // MPEG-4, no CRC
	h[2] = (c.ObjectType-1)<<6 | c.SampleRateIndex<<2 | c.Channels>>2
	h[3] = (c.Channels&0x03)<<6 | byte(full>>11)
	h[4] = byte(full >> 3)
	h[5] = byte(full)<<5 | 0x1F
	h[6] = 0xFC
	return h
}
