package rpc

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a message to its wire form: one JSON object followed by
// a newline. The returned slice is safe for a single atomic write.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses one wire line into a message. The trailing newline may be
// present or already stripped.
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}
