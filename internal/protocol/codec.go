package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage is returned for frames that are not a JSON object with a type
	ErrInvalidMessage = errors.New("invalid message format")

	// ErrUnknownType is returned for a well-formed frame with an unrecognized type
	ErrUnknownType = errors.New("unknown message type")

	// ErrInvalidConfig is returned by AudioConfig.Validate and by Decode for an
	// initial_config whose audio fields have the wrong types
	ErrInvalidConfig = errors.New("invalid audio configuration")
)

type envelope struct {
	Type MessageType `json:"type"`
}

// Decode parses one client frame. The type discriminator is read first, then the
// frame is unmarshalled into the matching variant. Server-to-client types are
// rejected as unknown.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	var msg Message
	switch env.Type {
	case TypeInitialConfig:
		m, err := decodeInitialConfig(data)
		if err != nil {
			return nil, err
		}
		msg = m
	case TypeAudioChunkInput:
		var m AudioChunkInput
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		msg = m
	case TypeEndAudioChunkInput:
		msg = EndAudioChunkInput{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	return msg, nil
}

// decodeInitialConfig unmarshals audio on its own so a wrongly typed field is
// reported as ErrInvalidConfig rather than a malformed frame
func decodeInitialConfig(data []byte) (InitialConfig, error) {
	var raw struct {
		Audio json.RawMessage `json:"audio"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return InitialConfig{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var m InitialConfig
	if len(raw.Audio) == 0 || string(raw.Audio) == "null" {
		return m, nil
	}

	var audio AudioConfig
	if err := json.Unmarshal(raw.Audio, &audio); err != nil {
		return InitialConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	m.Audio = &audio
	return m, nil
}

// Encode serializes a message with its type discriminator
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Type(), err)
	}

	typeField, _ := json.Marshal(msg.Type())
	if string(body) == "{}" {
		return []byte(`{"type":` + string(typeField) + `}`), nil
	}

	out := make([]byte, 0, len(body)+len(typeField)+9)
	out = append(out, `{"type":`...)
	out = append(out, typeField...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Validate checks that every field is present and supported
func (c *AudioConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: missing audio", ErrInvalidConfig)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sampleRate must be positive", ErrInvalidConfig)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("%w: channels must be positive", ErrInvalidConfig)
	}
	if c.Encoding != EncodingWAV {
		return fmt.Errorf("%w: unsupported encoding %q", ErrInvalidConfig, c.Encoding)
	}
	return nil
}
