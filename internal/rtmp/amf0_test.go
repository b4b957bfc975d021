package rtmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAMFRoundTrip(t *testing.T) {
	values := []interface{}{
		"connect",
		float64(1),
		map[string]interface{}{
			"app":      "r1",
			"tcUrl":    "rtmp://localhost/r1",
			"fpad":     false,
			"audioCodecs": float64(4071),
		},
		nil,
		true,
	}
	data, err := EncodeAMF(values...)
	require.NoError(t, err)

	decoded, err := DecodeAMF(data)
	require.NoError(t, err)
	require.Len(t, decoded, len(values))
	assert.Equal(t, "connect", decoded[0])
	assert.Equal(t, float64(1), decoded[1])
	obj, ok := decoded[2].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "r1", obj["app"])
	assert.Equal(t, false, obj["fpad"])
	assert.Nil(t, decoded[3])
	assert.Equal(t, true, decoded[4])
}

func TestAMFKnownEncoding(t *testing.T) {
	// Marker + 8-byte big-endian IEEE754 for numbers.
	data, err := EncodeAMF(float64(1))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x3F, 0xF0, 0, 0, 0, 0, 0, 0}, data)

	// Marker + u16 length + bytes for short strings.
	data, err = EncodeAMF("ab")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x00, 0x02, 'a', 'b'}, data)
}

func TestAMFStrictArray(t *testing.T) {
	data, err := EncodeAMF([]interface{}{float64(1), "x"})
	require.NoError(t, err)
	decoded, err := DecodeAMF(data)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	arr, ok := decoded[0].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{float64(1), "x"}, arr)
}

func TestAMFECMAArrayDecodes(t *testing.T) {
	// onMetaData payloads commonly use ECMA arrays: marker 0x08, u32
	// count, then object-style properties.
	payload := []byte{
		0x08, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x05, 'w', 'i', 'd', 't', 'h',
		0x00, 0x40, 0x9E, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // 1920
		0x00, 0x00, 0x09,
	}
	decoded, err := DecodeAMF(payload)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	obj, ok := decoded[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1920), obj["width"])
}

func TestAMFRejectsUnknownMarker(t *testing.T) {
	_, err := DecodeAMF([]byte{0x0B, 0x00})
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	payload, err := EncodeAMF("publish", float64(5), nil, "m1?token=abc", "live")
	require.NoError(t, err)
	cmd, err := parseCommand(&Message{TypeID: msgCommandAMF0, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "publish", cmd.name)
	assert.Equal(t, float64(5), cmd.transactionID)
	assert.Equal(t, "m1?token=abc", cmd.firstStringArg())
}

func TestSplitStreamToken(t *testing.T) {
	name, token := splitStreamToken("m1?token=abc")
	assert.Equal(t, "m1", name)
	assert.Equal(t, "abc", token)

	// Without a query the name itself is tried as the token.
	name, token = splitStreamToken("eyJhbGci")
	assert.Equal(t, "eyJhbGci", name)
	assert.Equal(t, "eyJhbGci", token)

	name, token = splitStreamToken("m1?foo=bar&token=t2")
	assert.Equal(t, "m1", name)
	assert.Equal(t, "t2", token)
}
