// Package query implements the one-shot request/response flows against the
// same remote inference service the live session streams to: describe a
// captured scene, answer a web-grounded question, or synthesize speech for a
// piece of text.
package query

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/echovision-ai/echovision/pkg/core"
)

const (
	// DefaultModel answers describe and search requests.
	DefaultModel = "gemini-2.0-flash"

	// DefaultTTSModel synthesizes speech for Speak.
	DefaultTTSModel = "gemini-2.5-flash-preview-tts"

	// DefaultVoice is the prebuilt voice used when Speak gets none.
	DefaultVoice = "Puck"

	// DefaultDescribePrompt is used when a describe request carries no
	// instruction of its own.
	DefaultDescribePrompt = "Describe what is in this capture for a blind user. " +
		"Read any visible text exactly as written. Be concise."
)

// Config configures the one-shot client.
type Config struct {
	// APIKey authenticates requests.
	APIKey string

	// Model handles describe and search. Default: DefaultModel.
	Model string

	// TTSModel handles speech synthesis. Default: DefaultTTSModel.
	TTSModel string

	// Voice is the synthesized voice for Speak. Default: DefaultVoice.
	Voice string

	// BaseURL overrides the service endpoint, for tests and proxies.
	BaseURL string

	// HTTPClient overrides the transport. Nil uses http.DefaultClient.
	HTTPClient *http.Client
}

// DefaultConfig returns a Config with defaults filled in. The API key must
// still be supplied by the caller.
func DefaultConfig() Config {
	return Config{
		Model:    DefaultModel,
		TTSModel: DefaultTTSModel,
		Voice:    DefaultVoice,
	}
}

// MediaPart is one inline media input: a JPEG frame, an uploaded image or
// video, or a recorded audio question.
type MediaPart struct {
	MIMEType string
	Data     []byte
}

// DescribeRequest asks for one text answer about captured media.
type DescribeRequest struct {
	// Images holds still frames or video bytes, at least one unless Audio
	// is set.
	Images []MediaPart

	// Audio optionally carries a recorded spoken question.
	Audio *MediaPart

	// Prompt is the instruction text. Empty uses DefaultDescribePrompt.
	Prompt string
}

// Source is one web reference grounding an answer.
type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Answer is one complete response to a one-shot request.
type Answer struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
}

// Client makes one-shot requests to the remote inference service.
type Client struct {
	cfg Config
	api *genai.Client
	log *slog.Logger
}

// NewClient creates a one-shot client.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = DefaultTTSModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.HTTPClient != nil {
		cc.HTTPClient = cfg.HTTPClient
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}

	api, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, core.NewConnectionError("create inference client", err)
	}
	return &Client{cfg: cfg, api: api, log: log}, nil
}

// Describe sends media parts plus an instruction and returns the one text
// answer.
func (c *Client) Describe(ctx context.Context, req DescribeRequest) (*Answer, error) {
	if len(req.Images) == 0 && req.Audio == nil {
		return nil, core.NewFormatError("describe request carries no media")
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = DefaultDescribePrompt
	}

	parts := make([]*genai.Part, 0, len(req.Images)+2)
	for _, m := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(m.Data, m.MIMEType))
	}
	if req.Audio != nil {
		parts = append(parts, genai.NewPartFromBytes(req.Audio.Data, req.Audio.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(prompt))
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	c.log.Debug("describe request", "media_parts", len(parts)-1, "model", c.cfg.Model)
	resp, err := c.api.Models.GenerateContent(ctx, c.cfg.Model, contents, nil)
	if err != nil {
		return nil, core.NewConnectionError("describe request", err)
	}
	ans := answerFromResponse(resp)
	if ans.Text == "" {
		return nil, core.NewFormatError("describe response carried no text")
	}
	return ans, nil
}

// Search answers a text query grounded in web search results. The answer's
// Sources list the references the model used, when the service reports them.
func (c *Client) Search(ctx context.Context, query string) (*Answer, error) {
	if strings.TrimSpace(query) == "" {
		return nil, core.NewFormatError("empty search query")
	}

	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
	c.log.Debug("search request", "model", c.cfg.Model)
	resp, err := c.api.Models.GenerateContent(ctx, c.cfg.Model, genai.Text(query), cfg)
	if err != nil {
		return nil, core.NewConnectionError("search request", err)
	}
	ans := answerFromResponse(resp)
	if ans.Text == "" {
		return nil, core.NewFormatError("search response carried no text")
	}
	return ans, nil
}

// Speak synthesizes text into 24 kHz mono 16-bit PCM. An empty voice uses
// the configured default.
func (c *Client) Speak(ctx context.Context, text, voice string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.NewFormatError("empty text for speech synthesis")
	}
	if voice == "" {
		voice = c.cfg.Voice
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	c.log.Debug("speech request", "model", c.cfg.TTSModel, "voice", voice)
	resp, err := c.api.Models.GenerateContent(ctx, c.cfg.TTSModel, genai.Text(text), cfg)
	if err != nil {
		return nil, core.NewConnectionError("speech request", err)
	}
	pcm := audioFromResponse(resp)
	if len(pcm) == 0 {
		return nil, core.NewFormatError("speech response carried no audio")
	}
	return pcm, nil
}

func answerFromResponse(resp *genai.GenerateContentResponse) *Answer {
	ans := &Answer{Text: strings.TrimSpace(resp.Text())}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			ans.Sources = append(ans.Sources, Source{Title: chunk.Web.Title, URI: chunk.Web.URI})
		}
	}
	return ans
}

func audioFromResponse(resp *genai.GenerateContentResponse) []byte {
	var pcm []byte
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.InlineData == nil {
				continue
			}
			if strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				pcm = append(pcm, part.InlineData.Data...)
			}
		}
	}
	return pcm
}
