package rtmp

import (
	"encoding/binary"
	"fmt"
)

// RTMP message type ids.
const (
	msgSetChunkSize     = 1
	msgAbort            = 2
	msgAck              = 3
	msgUserControl      = 4
	msgWindowAckSize    = 5
	msgSetPeerBandwidth = 6
	msgAudio            = 8
	msgVideo            = 9
	msgDataAMF0         = 18
	msgCommandAMF3      = 17
	msgCommandAMF0      = 20
)

// Well-known chunk stream ids used for outbound messages.
const (
	csidControl = 2
	csidCommand = 3
	csidAudio   = 4
	csidData    = 5
	csidVideo   = 6
)

// User control event types.
const (
	eventStreamBegin = 0
	eventStreamEOF   = 1
)

// newControlMessage builds a protocol control message (csid 2, stream 0)
// carrying one big-endian uint32.
func newControlMessage(typeID uint8, value uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, value)
	return &Message{CSID: csidControl, TypeID: typeID, Payload: payload}
}

// newSetPeerBandwidth builds the Set Peer Bandwidth message with the given
// limit type.
func newSetPeerBandwidth(size uint32, limitType uint8) *Message {
	payload := make([]byte, 5)
	binary.BigEndian.PutUint32(payload, size)
	payload[4] = limitType
	return &Message{CSID: csidControl, TypeID: msgSetPeerBandwidth, Payload: payload}
}

// newUserControl builds a user control event for a stream id.
func newUserControl(event uint16, streamID uint32) *Message {
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload, event)
	binary.BigEndian.PutUint32(payload[2:], streamID)
	return &Message{CSID: csidControl, TypeID: msgUserControl, Payload: payload}
}

// newCommand builds an AMF0 command message.
func newCommand(streamID uint32, values ...interface{}) (*Message, error) {
	payload, err := EncodeAMF(values...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return &Message{CSID: csidCommand, TypeID: msgCommandAMF0, StreamID: streamID, Payload: payload}, nil
}

// newStatus builds an onStatus command for a stream.
func newStatus(streamID uint32, level, code, description string) (*Message, error) {
	return newCommand(streamID, "onStatus", 0, nil, map[string]interface{}{
		"level":       level,
		"code":        code,
		"description": description,
	})
}

// command is a decoded AMF0 command message.
type command struct {
	name          string
	transactionID float64
	object        map[string]interface{}
	args          []interface{}
}

// parseCommand decodes an AMF0 (or AMF3-wrapped) command payload.
func parseCommand(msg *Message) (*command, error) {
	payload := msg.Payload
	if msg.TypeID == msgCommandAMF3 {
		// AMF3 command messages carry a format selector byte before an
		// AMF0-encoded body.
		if len(payload) < 1 {
			return nil, fmt.Errorf("empty AMF3 command")
		}
		payload = payload[1:]
	}
	values, err := DecodeAMF(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode command: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("empty command payload")
	}
	name, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("command name is not a string")
	}
	cmd := &command{name: name}
	if len(values) > 1 {
		if tid, ok := values[1].(float64); ok {
			cmd.transactionID = tid
		}
	}
	if len(values) > 2 {
		cmd.object, _ = values[2].(map[string]interface{})
		cmd.args = values[3:]
	}
	return cmd, nil
}

// firstStringArg returns the first string argument of a command, the slot
// carrying the stream name for publish/play/releaseStream.
func (c *command) firstStringArg() string {
	for _, a := range c.args {
		if s, ok := a.(string); ok {
			return s
		}
	}
	return ""
}
