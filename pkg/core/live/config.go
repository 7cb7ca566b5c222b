package live

import (
	"io"
	"time"
)

// SessionState represents the current state of the live session.
type SessionState int

const (
	// StateIdle is the initial state and the state after a clean stop.
	StateIdle SessionState = iota
	// StateConnecting is while capture devices are being acquired and the
	// remote session is being opened.
	StateConnecting
	// StateActive is while media is streaming in both directions.
	StateActive
	// StateError is a terminal state after a capture, connection, or remote
	// failure. A new Start is required; nothing is retried automatically.
	StateError
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const (
	// DefaultModel is the live multimodal model.
	DefaultModel = "models/gemini-2.0-flash-exp"

	// DefaultVoice is the prebuilt voice used for synthesized replies.
	DefaultVoice = "Puck"

	// DefaultEndpoint is the bidirectional live API endpoint.
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// DefaultSystemInstruction is the assistive behavior prompt sent at setup.
	DefaultSystemInstruction = "You are EchoVision, a real-time visual assistant for blind and " +
		"low-vision users. You see through the user's camera and hear through their microphone. " +
		"Describe what is in front of the user when asked, read text aloud exactly as written, " +
		"warn about obstacles, and answer questions about the scene. Be concise and speak naturally."
)

// InputBlockSamples is the number of samples per outbound audio chunk.
const InputBlockSamples = 4096

// LiveConfig configures the connection to the live endpoint.
type LiveConfig struct {
	// Endpoint is the WebSocket URL of the live API. Default: DefaultEndpoint.
	Endpoint string `json:"endpoint"`

	// APIKey authenticates the connection.
	APIKey string `json:"api_key"`

	// Model is the target model identifier. Default: DefaultModel.
	Model string `json:"model"`

	// Voice selects the prebuilt synthesized voice. Default: DefaultVoice.
	Voice string `json:"voice"`

	// SystemInstruction is the behavioral prompt for the session.
	// Default: DefaultSystemInstruction.
	SystemInstruction string `json:"system_instruction,omitempty"`

	// TranscribeInput requests speech-to-text of the user's audio. Default: true.
	TranscribeInput bool `json:"transcribe_input"`

	// TranscribeOutput requests speech-to-text of the synthesized reply. Default: true.
	TranscribeOutput bool `json:"transcribe_output"`

	// DialTimeout bounds dialing plus setup acknowledgement. Default: 15s.
	DialTimeout time.Duration `json:"dial_timeout"`

	// AudioIn is the outbound microphone format. Default: 16 kHz mono s16le.
	AudioIn AudioConfig `json:"audio_in"`

	// AudioOut is the inbound synthesized audio format. Default: 24 kHz mono s16le.
	AudioOut AudioConfig `json:"audio_out"`
}

// DefaultLiveConfig returns a LiveConfig with sensible defaults.
// The API key must still be supplied by the caller.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		Endpoint:          DefaultEndpoint,
		Model:             DefaultModel,
		Voice:             DefaultVoice,
		SystemInstruction: DefaultSystemInstruction,
		TranscribeInput:   true,
		TranscribeOutput:  true,
		DialTimeout:       15 * time.Second,
		AudioIn:           DefaultInputAudioConfig(),
		AudioOut:          DefaultOutputAudioConfig(),
	}
}

// VideoConfig configures camera capture.
type VideoConfig struct {
	// Device is the capture device. Platform-dependent: an avfoundation index
	// on macOS ("0"), a v4l2 path on Linux ("/dev/video0"), a dshow name on
	// Windows. Default: platform default device.
	Device string `json:"device"`

	// CaptureFPS is the rate the camera feed is read at. The send cadence is
	// FrameInterval; capturing faster just keeps the latest frame fresher.
	// Default: 5.
	CaptureFPS int `json:"capture_fps"`

	// JPEGQuality is the re-encode quality in [0,1]. Default: 0.4.
	JPEGQuality float64 `json:"jpeg_quality"`

	// MaxWidth downscales frames wider than this before sending. 0 disables.
	// Default: 1024.
	MaxWidth int `json:"max_width"`

	// FrameInterval is the send cadence. Default: 666ms (1.5 Hz).
	FrameInterval time.Duration `json:"frame_interval"`

	// FFmpegPath is the ffmpeg executable. Default: "ffmpeg".
	FFmpegPath string `json:"ffmpeg_path"`
}

// DefaultVideoConfig returns a VideoConfig with sensible defaults.
func DefaultVideoConfig() VideoConfig {
	return VideoConfig{
		Device:        defaultVideoDevice(),
		CaptureFPS:    5,
		JPEGQuality:   0.4,
		MaxWidth:      1024,
		FrameInterval: 666 * time.Millisecond,
		FFmpegPath:    "ffmpeg",
	}
}

// SessionConfig holds all configuration for a Session.
type SessionConfig struct {
	// Live configures the remote connection.
	Live LiveConfig `json:"live"`

	// Video configures camera capture.
	Video VideoConfig `json:"video"`

	// BlockSamples is the outbound audio chunk size in samples.
	// Default: InputBlockSamples.
	BlockSamples int `json:"block_samples"`

	// DisableVideo runs the session audio-only.
	DisableVideo bool `json:"disable_video,omitempty"`

	// DisableSpeaker skips attaching the output graph to a real audio device;
	// playback timing is still simulated so scheduling behaves identically.
	DisableSpeaker bool `json:"disable_speaker,omitempty"`

	// Mic overrides the default microphone capture. Nil uses the system mic.
	Mic AudioSource `json:"-"`

	// Camera overrides the default camera capture. Nil uses ffmpeg capture.
	Camera FrameSource `json:"-"`

	// Graph overrides the output audio graph. Nil builds one from
	// Live.AudioOut and DisableSpeaker.
	Graph AudioGraph `json:"-"`

	// AudioTap receives a copy of every playable reply chunk as it is
	// scheduled. Nil disables the tap.
	AudioTap io.Writer `json:"-"`

	// Metrics receives session instrumentation. Nil creates a private registry.
	Metrics *Metrics `json:"-"`
}

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Live:         DefaultLiveConfig(),
		Video:        DefaultVideoConfig(),
		BlockSamples: InputBlockSamples,
	}
}

// AudioConfig specifies audio format parameters.
type AudioConfig struct {
	// SampleRate in Hz. Common values: 16000, 24000, 44100, 48000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultInputAudioConfig returns the microphone capture format.
func DefaultInputAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// DefaultOutputAudioConfig returns the synthesized audio format.
func DefaultOutputAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:    24000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// BytesPerFrame returns the byte count of one frame (one sample per channel).
func (c AudioConfig) BytesPerFrame() int {
	return c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}
