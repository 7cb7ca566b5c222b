package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echovision-ai/echovision/pkg/core"
)

// fakeMic is an AudioSource fed directly by the test.
type fakeMic struct {
	startErr error

	mu      sync.Mutex
	blocks  chan []byte
	started bool
	stopped bool
}

func newFakeMic() *fakeMic {
	return &fakeMic{blocks: make(chan []byte, 16)}
}

func (f *fakeMic) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		f.blocks = make(chan []byte, 16)
		f.stopped = false
	}
	f.started = true
	return nil
}

func (f *fakeMic) Blocks() <-chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks
}

func (f *fakeMic) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started && !f.stopped {
		close(f.blocks)
	}
	f.stopped = true
	return nil
}

func (f *fakeMic) push(block []byte) {
	f.mu.Lock()
	ch := f.blocks
	f.mu.Unlock()
	ch <- block
}

func (f *fakeMic) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeCamera is a FrameSource serving a fixed list of frames, one per poll.
type fakeCamera struct {
	startErr error

	mu     sync.Mutex
	frames [][]byte
	err    error
	starts int
	stops  int
}

func newFakeCamera(frames ...[]byte) *fakeCamera {
	return &fakeCamera{frames: frames}
}

func (f *fakeCamera) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeCamera) Frame() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil, false
	}
	frame := f.frames[0]
	f.frames = f.frames[1:]
	return frame, true
}

func (f *fakeCamera) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeCamera) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeCamera) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeCamera) startCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeCamera) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops > 0
}

// testSessionConfig wires a session to the test server with a fake mic, an
// injected bare graph for deterministic rendering, and no camera.
func testSessionConfig(server *httptest.Server, mic AudioSource, graph AudioGraph) SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.Live = testLiveConfig(server)
	cfg.Live.AudioOut = testAudioConfig()
	cfg.Mic = mic
	cfg.Graph = graph
	cfg.DisableVideo = true
	return cfg
}

func audioFrame(pcm []byte) string {
	return `{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=1000","data":"` +
		base64.StdEncoding.EncodeToString(pcm) + `"}}]}}}`
}

func writeServerFrames(t *testing.T, conn *websocket.Conn, frames ...string) {
	t.Helper()
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Errorf("write server frame: %v", err)
			return
		}
	}
}

func TestSession_InterleavedTranscriptAndAudio(t *testing.T) {
	chunkX := constChunk(100, 16384)
	chunkY := constChunk(100, 8192)
	release := make(chan struct{})

	server := newLiveWebsocketTestServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		writeServerFrames(t, conn,
			`{"serverContent":{"inputTranscription":{"text":"what is this"}}}`,
			audioFrame(chunkX),
			`{"serverContent":{"outputTranscription":{"text":"a coffee mug"}}}`,
			audioFrame(chunkY),
			`{"serverContent":{"turnComplete":true}}`,
		)
		<-release
		drainUntilClosed(conn)
	})
	defer server.Close()
	defer close(release)

	graph := &Graph{cfg: testAudioConfig()}
	mic := newFakeMic()
	sess := NewSession(testSessionConfig(server, mic, graph), nil)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if sess.State() != StateActive {
		t.Fatalf("State() = %v, want %v", sess.State(), StateActive)
	}

	events := sess.Events()
	var transcripts []string
	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("events channel closed before the turn completed")
			}
			switch e := ev.(type) {
			case *TranscriptDeltaEvent:
				transcripts = append(transcripts, string(e.Role)+":"+e.Text)
			case *TurnCompleteEvent:
				done = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for turn completion")
		}
	}

	if len(transcripts) != 2 || transcripts[0] != "user:what is this" || transcripts[1] != "assistant:a coffee mug" {
		t.Errorf("transcripts = %v, want user then assistant delta in order", transcripts)
	}

	// Both chunks were scheduled before turnComplete was dispatched, so they
	// render back-to-back from time zero with no gap.
	got := readFrames(t, graph, 250)
	assertSpan(t, got, 0, 100, 16384)
	assertSpan(t, got, 100, 200, 8192)
	assertSpan(t, got, 200, 250, 0)

	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if sess.State() != StateIdle {
		t.Errorf("State() after Stop = %v, want %v", sess.State(), StateIdle)
	}
	if !mic.wasStopped() {
		t.Error("microphone still open after Stop")
	}
	if err := sess.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestSession_MicBlocksReachServer(t *testing.T) {
	block := []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00}
	chunks := make(chan mediaChunk, 16)

	server := newLiveWebsocketTestServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg realtimeInputMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, chunk := range msg.RealtimeInput.MediaChunks {
				chunks <- chunk
			}
		}
	})
	defer server.Close()

	mic := newFakeMic()
	sess := NewSession(testSessionConfig(server, mic, &Graph{cfg: testAudioConfig()}), nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sess.Stop()

	mic.push(block)

	select {
	case chunk := <-chunks:
		if chunk.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("chunk mimeType = %q, want %q", chunk.MIMEType, "audio/pcm;rate=16000")
		}
		data, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil {
			t.Fatalf("decode chunk data: %v", err)
		}
		if string(data) != string(block) {
			t.Errorf("chunk data = %v, want %v", data, block)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for mic block at the server")
	}
}

func TestSession_CameraFramesReachServer(t *testing.T) {
	frame := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x11, 0x22, 0xFF, 0xD9}
	chunks := make(chan mediaChunk, 16)

	server := newLiveWebsocketTestServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg realtimeInputMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, chunk := range msg.RealtimeInput.MediaChunks {
				if chunk.MIMEType == "image/jpeg" {
					chunks <- chunk
				}
			}
		}
	})
	defer server.Close()

	camera := newFakeCamera(frame)
	cfg := testSessionConfig(server, newFakeMic(), &Graph{cfg: testAudioConfig()})
	cfg.DisableVideo = false
	cfg.Camera = camera
	cfg.Video.FrameInterval = 10 * time.Millisecond

	sess := NewSession(cfg, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sess.Stop()

	select {
	case chunk := <-chunks:
		data, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil {
			t.Fatalf("decode frame data: %v", err)
		}
		if string(data) != string(frame) {
			t.Errorf("frame data = %v, want %v", data, frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for camera frame at the server")
	}
}

func TestSession_RemoteErrorEndsInErrorState(t *testing.T) {
	server := newLiveWebsocketTestServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		deadline := time.Now().Add(2 * time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend unavailable"), deadline)
		drainUntilClosed(conn)
	})
	defer server.Close()

	mic := newFakeMic()
	camera := newFakeCamera()
	cfg := testSessionConfig(server, mic, &Graph{cfg: testAudioConfig()})
	cfg.DisableVideo = false
	cfg.Camera = camera

	sess := NewSession(cfg, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var errorEvents int
	var last *StateChangedEvent
	for ev := range sess.Events() {
		switch e := ev.(type) {
		case *ErrorEvent:
			errorEvents++
		case *StateChangedEvent:
			last = e
		}
	}
	if errorEvents != 1 {
		t.Errorf("error events = %d, want exactly 1", errorEvents)
	}
	if last == nil || last.To != StateError {
		t.Errorf("final state change = %+v, want transition to %v", last, StateError)
	}
	if sess.State() != StateError {
		t.Errorf("State() = %v, want %v", sess.State(), StateError)
	}
	if err := sess.Err(); !core.IsConnectionError(err) {
		t.Errorf("Err() = %v, want connection error", err)
	}
	if !mic.wasStopped() {
		t.Error("microphone still open after remote failure")
	}
	if !camera.wasStopped() {
		t.Error("camera still open after remote failure")
	}

	// Stop from ERROR rearms the session without touching resources.
	if err := sess.Stop(); err != nil {
		t.Errorf("Stop() from error state = %v", err)
	}
	if sess.State() != StateIdle {
		t.Errorf("State() after Stop = %v, want %v", sess.State(), StateIdle)
	}
}

func TestSession_StartWhileActiveIsRejected(t *testing.T) {
	server := newLiveWebsocketTestServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		drainUntilClosed(conn)
	})
	defer server.Close()

	sess := NewSession(testSessionConfig(server, newFakeMic(), &Graph{cfg: testAudioConfig()}), nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sess.Stop()

	err := sess.Start(context.Background())
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start() = %v, want ErrSessionActive", err)
	}
	if !core.IsStateError(err) {
		t.Fatalf("second Start() = %v, want a state error", err)
	}
	if sess.State() != StateActive {
		t.Errorf("State() = %v, want %v after rejected Start", sess.State(), StateActive)
	}
}

func TestSession_MicFailureAbortsStart(t *testing.T) {
	mic := newFakeMic()
	mic.startErr = core.NewAccessError("Microphone unavailable", "no capture device", nil)
	camera := newFakeCamera()

	cfg := DefaultSessionConfig()
	cfg.Live.APIKey = "test-key"
	cfg.Mic = mic
	cfg.Camera = camera
	cfg.Graph = &Graph{cfg: testAudioConfig()}

	sess := NewSession(cfg, nil)
	err := sess.Start(context.Background())
	if !core.IsAccessError(err) {
		t.Fatalf("Start() = %v, want access error", err)
	}
	if sess.State() != StateError {
		t.Errorf("State() = %v, want %v", sess.State(), StateError)
	}
	if camera.startCalls() != 0 {
		t.Error("camera started despite microphone failure")
	}

	var changes []*StateChangedEvent
	for ev := range sess.Events() {
		if e, ok := ev.(*StateChangedEvent); ok {
			changes = append(changes, e)
		}
	}
	if len(changes) != 2 || changes[0].To != StateConnecting || changes[1].To != StateError {
		t.Errorf("state changes = %+v, want CONNECTING then ERROR", changes)
	}
}

func TestSession_DialFailureReleasesDevices(t *testing.T) {
	server := newLiveWebsocketTestServer(t, func(conn *websocket.Conn) {})
	mic := newFakeMic()
	camera := newFakeCamera()
	cfg := testSessionConfig(server, mic, &Graph{cfg: testAudioConfig()})
	cfg.DisableVideo = false
	cfg.Camera = camera
	cfg.Live.DialTimeout = 2 * time.Second
	server.Close()

	sess := NewSession(cfg, nil)
	err := sess.Start(context.Background())
	if !core.IsConnectionError(err) {
		t.Fatalf("Start() = %v, want connection error", err)
	}
	if sess.State() != StateError {
		t.Errorf("State() = %v, want %v", sess.State(), StateError)
	}
	if !mic.wasStopped() {
		t.Error("microphone still open after dial failure")
	}
	if !camera.wasStopped() {
		t.Error("camera still open after dial failure")
	}
}

func TestSession_MalformedAudioChunkKeepsStreaming(t *testing.T) {
	release := make(chan struct{})
	server := newLiveWebsocketTestServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		writeServerFrames(t, conn,
			audioFrame([]byte{0x01, 0x02, 0x03}),
			`{"serverContent":{"outputTranscription":{"text":"still here"}}}`,
		)
		<-release
		drainUntilClosed(conn)
	})
	defer server.Close()
	defer close(release)

	sess := NewSession(testSessionConfig(server, newFakeMic(), &Graph{cfg: testAudioConfig()}), nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The odd-length chunk is discarded; the delta behind it still arrives.
	events := sess.Events()
	deadline := time.After(5 * time.Second)
	for {
		var delta *TranscriptDeltaEvent
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("events channel closed before transcript arrived")
			}
			delta, _ = ev.(*TranscriptDeltaEvent)
		case <-deadline:
			t.Fatal("timed out waiting for transcript after malformed chunk")
		}
		if delta != nil {
			if delta.Text != "still here" {
				t.Errorf("delta text = %q, want %q", delta.Text, "still here")
			}
			break
		}
	}

	if sess.State() != StateActive {
		t.Errorf("State() = %v, want %v after malformed chunk", sess.State(), StateActive)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestSession_InterruptCutsPlayback(t *testing.T) {
	chunkX := constChunk(100, 16384)
	chunkY := constChunk(50, 8192)
	release := make(chan struct{})

	server := newLiveWebsocketTestServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		writeServerFrames(t, conn,
			audioFrame(chunkX),
			`{"serverContent":{"interrupted":true}}`,
			audioFrame(chunkY),
			`{"serverContent":{"turnComplete":true}}`,
		)
		<-release
		drainUntilClosed(conn)
	})
	defer server.Close()
	defer close(release)

	graph := &Graph{cfg: testAudioConfig()}
	sess := NewSession(testSessionConfig(server, newFakeMic(), graph), nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sess.Stop()

	events := sess.Events()
	var interrupts int
	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("events channel closed before the turn completed")
			}
			switch ev.(type) {
			case *InterruptedEvent:
				interrupts++
			case *TurnCompleteEvent:
				done = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for turn completion")
		}
	}
	if interrupts != 1 {
		t.Fatalf("interrupt events = %d, want 1", interrupts)
	}

	// The interrupt stopped the first chunk before anything rendered, so
	// only the chunk that followed it is audible, from time zero.
	got := readFrames(t, graph, 100)
	assertSpan(t, got, 0, 50, 8192)
	assertSpan(t, got, 50, 100, 0)
}

func TestSession_CameraDeathContinuesAudioOnly(t *testing.T) {
	release := make(chan struct{})
	server := newLiveWebsocketTestServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		writeServerFrames(t, conn, `{"serverContent":{"outputTranscription":{"text":"hello"}}}`)
		<-release
		drainUntilClosed(conn)
	})
	defer server.Close()
	defer close(release)

	camera := newFakeCamera()
	camera.setErr(core.NewAccessError("Camera unavailable", "capture process exited", nil))
	cfg := testSessionConfig(server, newFakeMic(), &Graph{cfg: testAudioConfig()})
	cfg.DisableVideo = false
	cfg.Camera = camera
	cfg.Video.FrameInterval = 10 * time.Millisecond

	sess := NewSession(cfg, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitForEventType(t, sess.Events(), "transcript.delta")

	// Give the frame loop a few ticks to notice the dead camera.
	time.Sleep(50 * time.Millisecond)
	if sess.State() != StateActive {
		t.Errorf("State() = %v, want %v after camera death", sess.State(), StateActive)
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestSession_RestartAfterStop(t *testing.T) {
	conns := make(chan struct{}, 4)
	server := newLiveWebsocketTestServer(t, func(conn *websocket.Conn) {
		conns <- struct{}{}
		acceptSetup(t, conn)
		drainUntilClosed(conn)
	})
	defer server.Close()

	sess := NewSession(testSessionConfig(server, newFakeMic(), &Graph{cfg: testAudioConfig()}), nil)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	firstID := sess.SessionID()
	first := sess.Events()
	if err := sess.Stop(); err != nil {
		t.Fatalf("first Stop() error = %v", err)
	}
	waitForChannelClose(t, first)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if sess.State() != StateActive {
		t.Fatalf("State() = %v, want %v on second run", sess.State(), StateActive)
	}
	if sess.SessionID() == firstID {
		t.Error("second run reused the first run's session id")
	}
	if err := sess.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	if got := len(conns); got != 2 {
		t.Errorf("server connections = %d, want 2", got)
	}
}

func TestSession_ContextCancelEndsRun(t *testing.T) {
	server := newLiveWebsocketTestServer(t, func(conn *websocket.Conn) {
		acceptSetup(t, conn)
		drainUntilClosed(conn)
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sess := NewSession(testSessionConfig(server, newFakeMic(), &Graph{cfg: testAudioConfig()}), nil)
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	events := sess.Events()

	cancel()
	waitForChannelClose(t, events)

	if sess.State() != StateIdle {
		t.Errorf("State() = %v, want %v after context cancel", sess.State(), StateIdle)
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after context cancel", err)
	}
}

func waitForEventType(t *testing.T, events <-chan Event, eventType string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed while waiting for %s", eventType)
			}
			if ev.EventType() == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func waitForChannelClose(t *testing.T, events <-chan Event) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for events channel to close")
		}
	}
}
