package rtmp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// AMF0 type markers used by RTMP command and data messages.
const (
	amf0Number      = 0x00
	amf0Boolean     = 0x01
	amf0String      = 0x02
	amf0Object      = 0x03
	amf0Null        = 0x05
	amf0Undefined   = 0x06
	amf0ECMAArray   = 0x08
	amf0ObjectEnd   = 0x09
	amf0StrictArray = 0x0A
	amf0LongString  = 0x0C
)

// EncodeAMF encodes a sequence of AMF0 values, the payload shape of RTMP
// command messages (e.g. ["connect", 1, {...}]). Supported Go types: nil,
// float64, bool, string, map[string]interface{}, []interface{}.
func EncodeAMF(values ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	for i, v := range values {
		if err := encodeAMFValue(&buf, v); err != nil {
			return nil, fmt.Errorf("failed to encode AMF value %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeAMF decodes a concatenation of AMF0 values until the payload is
// exhausted.
func DecodeAMF(data []byte) ([]interface{}, error) {
	r := bytes.NewReader(data)
	var out []interface{}
	for r.Len() > 0 {
		v, err := decodeAMFValue(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func encodeAMFValue(buf *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteByte(amf0Null)
	case float64:
		buf.WriteByte(amf0Number)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(vv))
		buf.Write(b[:])
	case int:
		return encodeAMFValue(buf, float64(vv))
	case uint32:
		return encodeAMFValue(buf, float64(vv))
	case bool:
		buf.WriteByte(amf0Boolean)
		if vv {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case string:
		if len(vv) > 0xFFFF {
			buf.WriteByte(amf0LongString)
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(len(vv)))
			buf.Write(b[:])
		} else {
			buf.WriteByte(amf0String)
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], uint16(len(vv)))
			buf.Write(b[:])
		}
		buf.WriteString(vv)
	case map[string]interface{}:
		buf.WriteByte(amf0Object)
		if err := encodeAMFProperties(buf, vv); err != nil {
			return err
		}
	case []interface{}:
		buf.WriteByte(amf0StrictArray)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(vv)))
		buf.Write(b[:])
		for _, item := range vv {
			if err := encodeAMFValue(buf, item); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported AMF0 type %T", v)
	}
	return nil
}

// encodeAMFProperties writes key/value pairs plus the object end marker.
// Keys are emitted sorted for deterministic output.
func encodeAMFProperties(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var hdr [2]byte
	for _, k := range keys {
		binary.BigEndian.PutUint16(hdr[:], uint16(len(k)))
		buf.Write(hdr[:])
		buf.WriteString(k)
		if err := encodeAMFValue(buf, m[k]); err != nil {
			return fmt.Errorf("failed to encode property %q: %w", k, err)
		}
	}
	buf.Write([]byte{0x00, 0x00, amf0ObjectEnd})
	return nil
}

func decodeAMFValue(r *bytes.Reader) (interface{}, error) {
	marker, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read AMF marker: %w", err)
	}
	switch marker {
	case amf0Number:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("failed to read AMF number: %w", err)
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[:])), nil
	case amf0Boolean:
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read AMF boolean: %w", err)
		}
		return b != 0, nil
	case amf0String:
		return readAMFShortString(r)
	case amf0LongString:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("failed to read AMF long string length: %w", err)
		}
		s := make([]byte, binary.BigEndian.Uint32(b[:]))
		if _, err := io.ReadFull(r, s); err != nil {
			return nil, fmt.Errorf("failed to read AMF long string: %w", err)
		}
		return string(s), nil
	case amf0Object:
		return decodeAMFProperties(r)
	case amf0ECMAArray:
		// Skip the (advisory) length prefix, then decode like an object.
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("failed to read ECMA array length: %w", err)
		}
		return decodeAMFProperties(r)
	case amf0StrictArray:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("failed to read strict array length: %w", err)
		}
		n := binary.BigEndian.Uint32(b[:])
		out := make([]interface{}, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := decodeAMFValue(r)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case amf0Null, amf0Undefined:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported AMF0 marker 0x%02x", marker)
	}
}

func decodeAMFProperties(r *bytes.Reader) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for {
		var klen [2]byte
		if _, err := io.ReadFull(r, klen[:]); err != nil {
			return nil, fmt.Errorf("failed to read property key length: %w", err)
		}
		n := binary.BigEndian.Uint16(klen[:])
		if n == 0 {
			end, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("failed to read object end: %w", err)
			}
			if end != amf0ObjectEnd {
				return nil, fmt.Errorf("expected object end marker, got 0x%02x", end)
			}
			return out, nil
		}
		key := make([]byte, n)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("failed to read property key: %w", err)
		}
		v, err := decodeAMFValue(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decode property %q: %w", key, err)
		}
		out[string(key)] = v
	}
}

func readAMFShortString(r *bytes.Reader) (string, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", fmt.Errorf("failed to read AMF string length: %w", err)
	}
	s := make([]byte, binary.BigEndian.Uint16(b[:]))
	if _, err := io.ReadFull(r, s); err != nil {
		return "", fmt.Errorf("failed to read AMF string: %w", err)
	}
	return string(s), nil
}
