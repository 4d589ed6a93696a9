package protocol

// MessageType is the "type" discriminator carried by every wire message
type MessageType string

const (
	TypeInitialConfig       MessageType = "initial_config"
	TypeStartAudioUpload    MessageType = "start_audio_upload"
	TypeAudioChunkInput     MessageType = "audio_chunk_input"
	TypeEndAudioChunkInput  MessageType = "end_audio_chunk_input"
	TypeFinalTranscriptions MessageType = "final_transcriptions"
	TypeAIResponse          MessageType = "ai_response"
	TypeAudio               MessageType = "audio"
	TypeError               MessageType = "error"
)

// Encoding names the container format of client audio
type Encoding string

// EncodingWAV is the only accepted input encoding
const EncodingWAV Encoding = "WAV"

// Message is implemented by every wire message variant
type Message interface {
	Type() MessageType
}

// AudioConfig describes the client's input audio stream
type AudioConfig struct {
	SampleRate int      `json:"sampleRate"`
	Channels   int      `json:"channels"`
	Encoding   Encoding `json:"encoding"`
}

// InitialConfig configures the session's input audio (client -> server)
type InitialConfig struct {
	Audio *AudioConfig `json:"audio"`
}

// StartAudioUpload tells the client the transcriber is ready (server -> client)
type StartAudioUpload struct{}

// AudioChunkInput carries one chunk of client audio (client -> server)
type AudioChunkInput struct {
	Data []byte `json:"data"`
}

// EndAudioChunkInput marks the end of the client's utterance (client -> server)
type EndAudioChunkInput struct{}

// FinalTranscriptions lists the finalized fragments of a turn (server -> client)
type FinalTranscriptions struct {
	Transcriptions []string `json:"transcriptions"`
}

// AIResponse carries the completion text (server -> client)
type AIResponse struct {
	Response string `json:"response"`
}

// Audio carries one chunk of synthesized speech (server -> client)
type Audio struct {
	Data []byte `json:"data"`
}

// Error reports a failure to the client (server -> client)
type Error struct {
	Error string `json:"error"`
}

func (InitialConfig) Type() MessageType       { return TypeInitialConfig }
func (StartAudioUpload) Type() MessageType    { return TypeStartAudioUpload }
func (AudioChunkInput) Type() MessageType     { return TypeAudioChunkInput }
func (EndAudioChunkInput) Type() MessageType  { return TypeEndAudioChunkInput }
func (FinalTranscriptions) Type() MessageType { return TypeFinalTranscriptions }
func (AIResponse) Type() MessageType          { return TypeAIResponse }
func (Audio) Type() MessageType               { return TypeAudio }
func (Error) Type() MessageType               { return TypeError }
