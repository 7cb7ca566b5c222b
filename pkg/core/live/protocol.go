package live

import (
	"encoding/json"
	"fmt"
)

// Wire types for the BidiGenerateContent websocket protocol. The client
// sends exactly one setup frame, waits for setupComplete, then streams
// realtimeInput frames. Every server frame is a serverMessage with one of
// its optional branches set.

type setupMessage struct {
	Setup liveSetup `json:"setup"`
}

type liveSetup struct {
	Model                    string            `json:"model"`
	GenerationConfig         *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction        *content          `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}         `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}         `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig *voiceConfig `json:"voiceConfig,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig *prebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type serverMessage struct {
	SetupComplete *setupComplete `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
}

type setupComplete struct{}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type usageMetadata struct {
	PromptTokenCount   int `json:"promptTokenCount,omitempty"`
	ResponseTokenCount int `json:"responseTokenCount,omitempty"`
	TotalTokenCount    int `json:"totalTokenCount,omitempty"`
}

// goAway announces a server-initiated shutdown. TimeLeft is a protobuf
// duration string such as "9.5s".
type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// newSetupMessage builds the opening frame from the session configuration.
func newSetupMessage(cfg LiveConfig) *setupMessage {
	msg := &setupMessage{
		Setup: liveSetup{
			Model: cfg.Model,
			GenerationConfig: &generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: &voiceConfig{
				PrebuiltVoiceConfig: &prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.TranscribeInput {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.TranscribeOutput {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// newMediaChunkMessage wraps one media payload in a realtimeInput frame.
func newMediaChunkMessage(mimeType string, data []byte) *realtimeInputMessage {
	return &realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: mimeType,
				Data:     EncodeBytes(data),
			}},
		},
	}
}

// pcmMIMEType returns the realtimeInput media type for raw PCM at the
// given sample rate, for example "audio/pcm;rate=16000".
func pcmMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

const jpegMIMEType = "image/jpeg"

func decodeServerMessage(data []byte) (*serverMessage, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server frame: %w", err)
	}
	return &msg, nil
}
