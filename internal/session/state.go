package session

// State is the lifecycle state of a session
type State int

const (
	// Unconfigured: connected, no audio configuration accepted yet
	Unconfigured State = iota
	// Ready: configured and idle; a transcription stream may or may not be open
	Ready
	// Streaming: audio chunks are being forwarded to the open transcription stream
	Streaming
	// Finalizing: the transcription stream is flushing its last results
	Finalizing
	// AwaitingCompletion: the transcript is with the completion service
	AwaitingCompletion
	// Synthesizing: the response is being spoken back to the client
	Synthesizing
	// Closed: torn down; terminal
	Closed
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Ready:
		return "ready"
	case Streaming:
		return "streaming"
	case Finalizing:
		return "finalizing"
	case AwaitingCompletion:
		return "awaiting_completion"
	case Synthesizing:
		return "synthesizing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// busy reports whether a response is in progress for the current turn
func (s State) busy() bool {
	switch s {
	case Finalizing, AwaitingCompletion, Synthesizing:
		return true
	case Unconfigured, Ready, Streaming, Closed:
		return false
	default:
		return false
	}
}
