package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrEmptyPayload = errors.New("wire: empty payload")

type envelope struct {
	Type MsgType `json:"type"`
}

// Encode serializes a payload to its on-wire JSON form.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case FileMetadata:
		return json.Marshal(struct {
			Type MsgType `json:"type"`
			FileMetadata
		}{MsgFileMetadata, v})
	case FileChunk:
		return json.Marshal(struct {
			Type MsgType `json:"type"`
			FileChunk
		}{MsgFileChunk, v})
	case Text:
		return json.Marshal(struct {
			Type MsgType `json:"type"`
			Text
		}{MsgText, v})
	case EndCall:
		return json.Marshal(envelope{MsgEndCall})
	default:
		return nil, fmt.Errorf("wire: cannot encode message type %T", m)
	}
}

// Decode parses one inbound payload. Payloads that are not JSON objects are
// treated as legacy bare-string text messages.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}

	if trimmed[0] != '{' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return Text{Content: s}, nil
		}
		return Text{Content: string(trimmed)}, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("wire: malformed payload: %w", err)
	}

	switch env.Type {
	case MsgFileMetadata:
		var m FileMetadata
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed %s: %w", env.Type, err)
		}
		return m, nil
	case MsgFileChunk:
		var m FileChunk
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed %s: %w", env.Type, err)
		}
		return m, nil
	case MsgText:
		var m Text
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed %s: %w", env.Type, err)
		}
		return m, nil
	case MsgEndCall:
		return EndCall{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown payload type %q", env.Type)
	}
}
