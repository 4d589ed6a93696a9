package session

import (
	"errors"
	"fmt"

	"github.com/lexiqai/voice-relay/internal/protocol"
)

// ErrorKind classifies failures reported to the client
type ErrorKind int

const (
	// ProtocolError: malformed, unknown or out-of-state client message; the connection stays open
	ProtocolError ErrorKind = iota
	// ConfigurationError: invalid audio configuration or transcriber open failure; the connection is closed
	ConfigurationError
	// UpstreamError: a transcription, completion or synthesis call failed
	UpstreamError
	// TransportError: the client socket is gone; never reported
	TransportError
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolError:
		return "protocol"
	case ConfigurationError:
		return "configuration"
	case UpstreamError:
		return "upstream"
	case TransportError:
		return "transport"
	default:
		return "unknown"
	}
}

// Client-facing error texts
const (
	MsgInvalidMessage     = "Invalid message format"
	MsgUnknownType        = "Unknown message type"
	MsgInternal           = "Internal server error"
	MsgConfigFailed       = "Failed to process configuration"
	MsgAlreadyConfigured  = "Session already configured"
	MsgConfigRequired     = "Configuration required before sending audio"
	MsgNoActiveStream     = "No active audio stream"
	MsgResponseInProgress = "Response in progress"
	MsgTranscriberFailed  = "Transcription service unavailable"
	MsgAudioFailed        = "Failed to process audio"
	MsgNoSpeech           = "No speech detected"
	MsgCompletionFailed   = "Failed to generate response"
	MsgSynthesisFailed    = "Failed to synthesize speech"
)

// Error is a classified session failure. Message is what the client sees;
// Err is the cause and is only logged.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error in %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DecodeError classifies a protocol.Decode failure
func DecodeError(err error) *Error {
	msg := MsgInvalidMessage
	if errors.Is(err, protocol.ErrUnknownType) {
		msg = MsgUnknownType
	}
	return &Error{Kind: ProtocolError, Op: opDecode, Message: msg, Err: err}
}

// ops double as the component label on error metrics
const (
	opDecode     = "decode"
	opConfigure  = "configure"
	opAudio      = "audio"
	opEnd        = "end"
	opSTT        = "stt"
	opCompletion = "completion"
	opTTS        = "tts"
	opTransport  = "transport"
)
