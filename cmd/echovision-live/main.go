package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/echovision-ai/echovision/pkg/core/live"
	"github.com/echovision-ai/echovision/pkg/core/query"
)

type options struct {
	model           string
	voice           string
	system          string
	videoDevice     string
	noVideo         bool
	noSpeaker       bool
	frameIntervalMS int
	jpegQuality     float64
	debug           bool
	dumpAudio       string
	testToneMS      int
	metricsAddr     string

	describePath string
	prompt       string
	searchQuery  string
	speakText    string
	outPath      string
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	loadEnvBestEffort()
	normalizeEnvKeys()

	var opt options
	flag.StringVar(&opt.model, "model", "", "Model override (live and one-shot modes pick their own default)")
	flag.StringVar(&opt.voice, "voice", live.DefaultVoice, "Synthesized voice name")
	flag.StringVar(&opt.system, "system", "", "System instruction override")
	flag.StringVar(&opt.videoDevice, "video-device", "", "Camera device (avfoundation index, v4l2 path, or dshow name)")
	flag.BoolVar(&opt.noVideo, "no-video", false, "Run the live session audio-only")
	flag.BoolVar(&opt.noSpeaker, "no-speaker", false, "Do not open a real audio output; playback timing is still simulated")
	flag.IntVar(&opt.frameIntervalMS, "frame-interval-ms", 666, "Camera frame send cadence in ms")
	flag.Float64Var(&opt.jpegQuality, "jpeg-quality", 0.4, "JPEG re-encode quality in [0,1]")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging")
	flag.StringVar(&opt.dumpAudio, "dump-audio", "", "If set, write received reply audio to this file (raw pcm_s16le @24kHz mono)")
	flag.IntVar(&opt.testToneMS, "test-tone-ms", 0, "If >0, play a 440Hz test tone for this many ms before connecting")
	flag.StringVar(&opt.metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9090)")
	flag.StringVar(&opt.describePath, "describe", "", "One-shot: describe this image/video/audio file and exit")
	flag.StringVar(&opt.prompt, "prompt", "", "Instruction for --describe (default: a built-in assistive prompt)")
	flag.StringVar(&opt.searchQuery, "search", "", "One-shot: answer this question with web grounding and exit")
	flag.StringVar(&opt.speakText, "speak", "", "One-shot: synthesize this text and exit")
	flag.StringVar(&opt.outPath, "out", "", "Write --speak output to this WAV file instead of playing it")
	flag.Parse()

	if opt.jpegQuality < 0 || opt.jpegQuality > 1 {
		fmt.Fprintln(os.Stderr, "--jpeg-quality must be between 0 and 1")
		return 2
	}
	if opt.frameIntervalMS <= 0 {
		fmt.Fprintln(os.Stderr, "--frame-interval-ms must be > 0")
		return 2
	}
	if opt.testToneMS < 0 {
		fmt.Fprintln(os.Stderr, "--test-tone-ms must be >= 0")
		return 2
	}
	modes := 0
	for _, v := range []string{opt.describePath, opt.searchQuery, opt.speakText} {
		if strings.TrimSpace(v) != "" {
			modes++
		}
	}
	if modes > 1 {
		fmt.Fprintln(os.Stderr, "choose at most one of --describe, --search, --speak")
		return 2
	}
	if strings.TrimSpace(opt.speakText) != "" && opt.noSpeaker && strings.TrimSpace(opt.outPath) == "" {
		fmt.Fprintln(os.Stderr, "--speak with --no-speaker requires --out")
		return 2
	}

	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "missing GEMINI_API_KEY (or GOOGLE_API_KEY)")
		return 2
	}

	logLevel := slog.LevelWarn
	if opt.debug {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case strings.TrimSpace(opt.describePath) != "":
		return runDescribe(ctx, opt, apiKey, log)
	case strings.TrimSpace(opt.searchQuery) != "":
		return runSearch(ctx, opt, apiKey, log)
	case strings.TrimSpace(opt.speakText) != "":
		return runSpeak(ctx, opt, apiKey, log)
	default:
		return runLive(ctx, opt, apiKey, log)
	}
}

func runLive(ctx context.Context, opt options, apiKey string, log *slog.Logger) int {
	cfg := live.DefaultSessionConfig()
	cfg.Live.APIKey = apiKey
	if strings.TrimSpace(opt.model) != "" {
		cfg.Live.Model = strings.TrimSpace(opt.model)
	}
	if strings.TrimSpace(opt.voice) != "" {
		cfg.Live.Voice = strings.TrimSpace(opt.voice)
	}
	if strings.TrimSpace(opt.system) != "" {
		cfg.Live.SystemInstruction = opt.system
	}
	if strings.TrimSpace(opt.videoDevice) != "" {
		cfg.Video.Device = strings.TrimSpace(opt.videoDevice)
	}
	cfg.Video.FrameInterval = time.Duration(opt.frameIntervalMS) * time.Millisecond
	cfg.Video.JPEGQuality = opt.jpegQuality
	cfg.DisableVideo = opt.noVideo
	cfg.DisableSpeaker = opt.noSpeaker

	if strings.TrimSpace(opt.dumpAudio) != "" {
		dump, err := os.Create(opt.dumpAudio)
		if err != nil {
			fmt.Fprintln(os.Stderr, "create dump file:", err)
			return 1
		}
		defer dump.Close()
		cfg.AudioTap = dump
	}

	metrics := live.NewMetrics("")
	cfg.Metrics = metrics
	if strings.TrimSpace(opt.metricsAddr) != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: opt.metricsAddr, Handler: mux}
		defer server.Close()
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintln(os.Stderr, "metrics server:", err)
			}
		}()
	}

	if opt.testToneMS > 0 && !opt.noSpeaker {
		if err := playPCM(ctx, live.SineTone(440, 0.4, time.Duration(opt.testToneMS)*time.Millisecond, cfg.Live.AudioOut), cfg.Live.AudioOut); err != nil {
			fmt.Fprintln(os.Stderr, "speaker test tone failed:", err)
		} else if opt.debug {
			fmt.Fprintln(os.Stderr, "[debug] speaker test tone played")
		}
	}

	session := live.NewSession(cfg, log)
	if err := session.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "start session:", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "live session connected: session_id=%s model=%s (ctrl-c to stop)\n",
		session.SessionID(), cfg.Live.Model)

	render := newTranscriptRenderer(os.Stdout)
	for ev := range session.Events() {
		switch e := ev.(type) {
		case *live.TranscriptDeltaEvent:
			render.Delta(e.Role, e.Text)
		case *live.TurnCompleteEvent:
			render.EndLine()
		case *live.InterruptedEvent:
			render.Note("interrupted")
		case *live.GoAwayEvent:
			render.Note(fmt.Sprintf("server closing in %s, restart soon", e.TimeLeft))
		case *live.UsageEvent:
			if opt.debug {
				fmt.Fprintf(os.Stderr, "[debug] tokens prompt=%d response=%d total=%d\n",
					e.PromptTokens, e.ResponseTokens, e.TotalTokens)
			}
		case *live.ErrorEvent:
			render.EndLine()
			fmt.Fprintln(os.Stderr, "session error:", e.Err)
		case *live.StateChangedEvent:
			if opt.debug {
				fmt.Fprintf(os.Stderr, "[debug] state %s -> %s\n", e.From, e.To)
			}
		}
	}
	render.EndLine()

	if session.Err() != nil {
		return 1
	}
	return 0
}

func runDescribe(ctx context.Context, opt options, apiKey string, log *slog.Logger) int {
	data, err := os.ReadFile(opt.describePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read capture:", err)
		return 1
	}
	part := query.MediaPart{MIMEType: mimeTypeForFile(opt.describePath, data), Data: data}
	req := query.DescribeRequest{Prompt: opt.prompt}
	if strings.HasPrefix(part.MIMEType, "audio/") {
		req.Audio = &part
	} else {
		req.Images = []query.MediaPart{part}
	}

	client, err := newQueryClient(ctx, opt, apiKey, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create client:", err)
		return 1
	}
	ans, err := client.Describe(ctx, req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "describe:", err)
		return 1
	}
	fmt.Println(ans.Text)
	return 0
}

func runSearch(ctx context.Context, opt options, apiKey string, log *slog.Logger) int {
	client, err := newQueryClient(ctx, opt, apiKey, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create client:", err)
		return 1
	}
	ans, err := client.Search(ctx, opt.searchQuery)
	if err != nil {
		fmt.Fprintln(os.Stderr, "search:", err)
		return 1
	}
	fmt.Println(ans.Text)
	if len(ans.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for _, s := range ans.Sources {
			if strings.TrimSpace(s.Title) != "" {
				fmt.Printf("  %s - %s\n", s.Title, s.URI)
			} else {
				fmt.Printf("  %s\n", s.URI)
			}
		}
	}
	return 0
}

func runSpeak(ctx context.Context, opt options, apiKey string, log *slog.Logger) int {
	client, err := newQueryClient(ctx, opt, apiKey, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create client:", err)
		return 1
	}
	pcm, err := client.Speak(ctx, opt.speakText, opt.voice)
	if err != nil {
		fmt.Fprintln(os.Stderr, "speak:", err)
		return 1
	}

	cfg := live.DefaultOutputAudioConfig()
	if strings.TrimSpace(opt.outPath) != "" {
		if err := os.WriteFile(opt.outPath, live.PCMToWAV(pcm, cfg), 0o644); err != nil {
			fmt.Fprintln(os.Stderr, "write wav:", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "wrote %s (%dms of audio)\n", opt.outPath, cfg.DurationMs(len(pcm)))
		return 0
	}
	if err := playPCM(ctx, pcm, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "playback:", err)
		return 1
	}
	return 0
}

func newQueryClient(ctx context.Context, opt options, apiKey string, log *slog.Logger) (*query.Client, error) {
	cfg := query.DefaultConfig()
	cfg.APIKey = apiKey
	if strings.TrimSpace(opt.model) != "" {
		cfg.Model = strings.TrimSpace(opt.model)
	}
	if strings.TrimSpace(opt.voice) != "" {
		cfg.Voice = strings.TrimSpace(opt.voice)
	}
	return query.NewClient(ctx, cfg, log)
}

// playPCM renders one PCM buffer through the speaker and blocks until it
// finishes or ctx is cancelled.
func playPCM(ctx context.Context, pcm []byte, cfg live.AudioConfig) error {
	graph, err := live.NewGraph(cfg)
	if err != nil {
		return err
	}
	defer graph.Close()

	buf, err := live.PCMToBuffer(pcm, cfg.SampleRate, cfg.Channels)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	graph.Schedule(buf, graph.Now(), func() { close(done) })
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

func mimeTypeForFile(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	}
	return http.DetectContentType(data)
}

// loadEnvBestEffort loads the nearest .env walking up from the working
// directory, so `go run ./cmd/echovision-live` works from subdirectories.
func loadEnvBestEffort() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 8; i++ {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func normalizeEnvKeys() {
	if os.Getenv("GEMINI_API_KEY") == "" {
		if googleKey := os.Getenv("GOOGLE_API_KEY"); googleKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", googleKey)
		}
	}
}
