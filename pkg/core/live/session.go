package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echovision-ai/echovision/pkg/core"
)

// ErrSessionActive is returned by Start when the previous run has not ended.
// The caller must Stop, or wait for the event stream to close, before
// starting again.
var ErrSessionActive = core.NewStateError("session already started")

// Session is the top-level controller for one live conversation. It owns the
// microphone, the camera, the connection, and the output audio graph, and it
// guarantees that every one of them is released when the session ends, no
// matter which side ended it.
//
// A Session is reusable: after it returns to StateIdle (explicit Stop or a
// remote close) or settles in StateError, Start may be called again. Each run
// gets a fresh event stream; Events must be re-read after every Start.
type Session struct {
	cfg     SessionConfig
	log     *slog.Logger
	metrics *Metrics

	mu        sync.RWMutex
	state     SessionState
	err       error
	sessionID string
	startedAt time.Time

	conn      *Conn
	mic       AudioSource
	camera    FrameSource
	graph     AudioGraph
	sched     *Scheduler
	ownsGraph bool

	// events is the current run's stream, replaced on each Start and closed
	// when the run ends. After Start returns, the dispatch goroutine is the
	// only writer, which is what makes closing it on teardown safe.
	events chan Event
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	loops sync.WaitGroup
}

// NewSession creates a session in StateIdle. Nothing is acquired until Start.
func NewSession(cfg SessionConfig, log *slog.Logger) *Session {
	if cfg.BlockSamples <= 0 {
		cfg.BlockSamples = InputBlockSamples
	}
	if cfg.Live.AudioIn.SampleRate == 0 {
		cfg.Live.AudioIn = DefaultInputAudioConfig()
	}
	if cfg.Live.AudioOut.SampleRate == 0 {
		cfg.Live.AudioOut = DefaultOutputAudioConfig()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics("")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Session{
		cfg:     cfg,
		log:     log,
		metrics: cfg.Metrics,
		state:   StateIdle,
	}
}

// SessionID returns the identifier of the current run, or "" before the
// first Start.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that ended the last run, or nil if it ended cleanly.
// It is reset by the next Start.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Events returns the current run's event stream. The channel is closed when
// the run ends, so consumers can simply range over it; it stays readable
// (closed) until the next Start replaces it. Returns nil before the first
// Start.
func (s *Session) Events() <-chan Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

// Metrics returns the session's instrumentation registry.
func (s *Session) Metrics() *Metrics {
	return s.metrics
}

// Start acquires capture devices, opens the remote connection, and begins
// streaming. Valid only from StateIdle. On failure every resource acquired
// so far is released, the session settles in StateError, and the error is
// returned to the caller.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start in state %s: %w", state, ErrSessionActive)
	}
	id := uuid.NewString()
	s.sessionID = id
	s.err = nil
	s.startedAt = time.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.events = make(chan Event, 256)
	s.done = make(chan struct{})
	s.state = StateConnecting
	s.mu.Unlock()

	s.emit(&StateChangedEvent{From: StateIdle, To: StateConnecting})
	s.log.Info("starting live session",
		"session_id", id,
		"model", s.cfg.Live.Model,
		"video", !s.cfg.DisableVideo,
	)

	if err := s.acquire(); err != nil {
		return s.abortStart(err)
	}

	conn := NewConn(s.cfg.Live, s.log)
	if err := conn.Open(s.ctx); err != nil {
		s.releaseGraph()
		s.releaseCapture()
		return s.abortStart(err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateActive
	s.mu.Unlock()

	s.emit(&StateChangedEvent{From: StateConnecting, To: StateActive})
	s.metrics.RecordSessionStart()
	s.log.Info("live session active", "session_id", id)

	s.loops.Add(1)
	go s.micLoop(s.mic.Blocks(), conn)
	if s.camera != nil {
		s.loops.Add(1)
		go s.cameraLoop(s.camera, conn)
	}
	go s.dispatchLoop()

	// Honor cancellation of the caller's context for the whole run.
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-s.done:
		}
	}()

	return nil
}

// Stop ends the session and releases everything it owns. Idempotent: valid
// from any state, including from a consumer reacting to an ErrorEvent. From
// StateError it just rearms the session to StateIdle; the failing run already
// released its resources.
func (s *Session) Stop() error {
	s.mu.Lock()
	state := s.state
	conn := s.conn
	done := s.done
	cancel := s.cancel
	if state == StateError {
		s.state = StateIdle
	}
	s.mu.Unlock()

	switch state {
	case StateIdle, StateError:
		return nil
	case StateConnecting:
		// A concurrent Start is mid-acquisition. Cancelling its context
		// makes it unwind; its caller receives the resulting error.
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		conn.Close()
		<-done
		return nil
	}
}

// acquire opens the capture devices and the output graph in a fixed order:
// microphone, camera, graph. A failure at any step releases exactly what was
// acquired before it and leaves the session fields nil.
func (s *Session) acquire() error {
	mic := s.cfg.Mic
	if mic == nil {
		mic = NewMicCapture(s.cfg.Live.AudioIn, s.cfg.BlockSamples, s.log)
	}
	if err := mic.Start(); err != nil {
		return err
	}
	s.mic = mic

	if !s.cfg.DisableVideo {
		camera := s.cfg.Camera
		if camera == nil {
			camera = NewCameraCapture(s.cfg.Video, s.log)
		}
		if err := camera.Start(); err != nil {
			s.releaseCapture()
			return err
		}
		s.camera = camera
	}

	graph := s.cfg.Graph
	if graph == nil {
		if s.cfg.DisableSpeaker {
			graph = NewSilentGraph(s.cfg.Live.AudioOut)
		} else {
			g, err := NewGraph(s.cfg.Live.AudioOut)
			if err != nil {
				s.releaseCapture()
				return err
			}
			graph = g
		}
		s.ownsGraph = true
	}
	s.graph = graph
	s.sched = NewScheduler(graph, s.cfg.Live.AudioOut, s.log, s.metrics)
	return nil
}

// releaseCapture stops the capture devices in reverse acquisition order.
func (s *Session) releaseCapture() {
	if s.camera != nil {
		s.camera.Stop()
		s.camera = nil
	}
	if s.mic != nil {
		s.mic.Stop()
		s.mic = nil
	}
}

// releaseGraph stops all scheduled audio and closes the graph if this
// session created it.
func (s *Session) releaseGraph() {
	if s.sched != nil {
		s.sched.StopAll()
		s.sched = nil
	}
	if s.graph != nil {
		if s.ownsGraph {
			s.graph.Close()
		}
		s.graph = nil
	}
	s.ownsGraph = false
}

// abortStart settles a failed Start. The caller has already released
// whatever it acquired; this records the outcome, ends the run's event
// stream, and returns err for Start to hand to its caller.
//
// A cancelled context means Stop raced the startup sequence, which is a
// clean shutdown, not a failure.
func (s *Session) abortStart(err error) error {
	final := StateError
	var cause error
	if s.ctx.Err() != nil {
		final = StateIdle
	} else {
		cause = err
	}
	s.cancel()

	s.emit(&StateChangedEvent{From: StateConnecting, To: final})
	if cause != nil {
		s.metrics.RecordError(errorLabel(cause))
		s.log.Error("live session failed to start", "session_id", s.sessionID, "error", cause)
	} else {
		s.log.Info("live session start cancelled", "session_id", s.sessionID)
	}

	// Settle state and end the stream in one critical section: a Start
	// racing the settle can only run after it, and it replaces the
	// channels, so the ones snapshotted here are this run's own.
	s.mu.Lock()
	s.state = final
	s.err = cause
	ch := s.events
	done := s.done
	s.mu.Unlock()
	close(ch)
	close(done)

	return err
}

// micLoop forwards captured audio blocks to the connection until the block
// stream closes or the run is cancelled. Inputs are passed in rather than
// read from fields, which teardown nils concurrently.
func (s *Session) micLoop(blocks <-chan []byte, conn *Conn) {
	defer s.loops.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case block, ok := <-blocks:
			if !ok {
				return
			}
			if err := conn.SendAudioChunk(block); err != nil {
				// Sends racing teardown are dropped; the dispatch loop
				// owns the terminal transition.
				s.log.Debug("dropping mic block", "error", err)
				continue
			}
			s.metrics.RecordAudioBytes("input", len(block))
		}
	}
}

// cameraLoop sends the freshest camera frame at the configured cadence.
// Ticks with no new frame since the last send are skipped.
func (s *Session) cameraLoop(camera FrameSource, conn *Conn) {
	defer s.loops.Done()

	interval := s.cfg.Video.FrameInterval
	if interval <= 0 {
		interval = DefaultVideoConfig().FrameInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := camera.Err(); err != nil {
				// Video is best-effort: keep the conversation going on audio.
				s.log.Warn("camera capture ended, continuing audio-only",
					"session_id", s.SessionID(), "error", err)
				s.metrics.RecordError(errorLabel(err))
				return
			}
			frame, ok := camera.Frame()
			if !ok {
				continue
			}
			if err := conn.SendImageFrame(frame); err != nil {
				s.log.Debug("dropping video frame", "error", err)
				continue
			}
			s.metrics.RecordFrameSent(len(frame))
		}
	}
}

// dispatchLoop consumes the connection's event stream until it ends, routing
// audio to the playback scheduler and everything user-visible to the
// session's own stream. When the stream ends it performs the one teardown.
func (s *Session) dispatchLoop() {
	final := StateIdle
	var cause error

	for ev := range s.conn.Events() {
		switch e := ev.(type) {
		case *AudioChunkEvent:
			s.metrics.RecordAudioBytes("output", len(e.Data))
			if err := s.sched.Enqueue(e.Data); err != nil {
				// A malformed chunk is fatal to itself, never to the session.
				s.log.Warn("discarding audio chunk", "error", err)
				s.metrics.RecordDiscardedChunk()
			} else if s.cfg.AudioTap != nil {
				if _, err := s.cfg.AudioTap.Write(e.Data); err != nil {
					s.log.Warn("audio tap write failed", "error", err)
				}
			}
		case *InterruptedEvent:
			// The user talked over the reply; cut playback immediately.
			s.sched.Flush()
			s.emit(ev)
		case *UsageEvent:
			s.metrics.RecordTokens(e.PromptTokens, e.ResponseTokens)
			s.emit(ev)
		case *GoAwayEvent:
			s.log.Info("server announced connection end",
				"session_id", s.SessionID(), "time_left", e.TimeLeft)
			s.emit(ev)
		case *ErrorEvent:
			final = StateError
			cause = e.Err
			s.emit(ev)
		default:
			s.emit(ev)
		}
	}

	s.finish(final, cause)
}

// finish releases every resource the run acquired and settles the final
// state. It runs exactly once per run, on the dispatch goroutine, after the
// connection's event stream has ended; the error path and the close path
// both land here.
func (s *Session) finish(final SessionState, cause error) {
	s.cancel()
	s.conn.Close()
	s.releaseCapture()
	s.loops.Wait()
	s.releaseGraph()

	status := "closed"
	if final == StateError {
		status = "error"
		s.metrics.RecordError(errorLabel(cause))
	}
	s.metrics.RecordSessionEnd(s.cfg.Live.Model, status, time.Since(s.startedAt))

	s.emit(&StateChangedEvent{From: StateActive, To: final})

	// Settle state and end the stream in one critical section so a Start
	// racing the settle cannot have its fresh channels closed from under it.
	s.mu.Lock()
	s.state = final
	s.err = cause
	ch := s.events
	done := s.done
	id := s.sessionID
	started := s.startedAt
	s.mu.Unlock()
	close(ch)
	close(done)

	s.log.Info("live session ended",
		"session_id", id,
		"state", final.String(),
		"duration", time.Since(started).Round(time.Millisecond),
	)
}

// emit delivers an event to the current run's stream without ever blocking
// a media loop. Events are dropped if the consumer falls behind or the run
// has already ended.
func (s *Session) emit(ev Event) {
	s.mu.RLock()
	ch := s.events
	s.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
		s.metrics.RecordDrop("event")
		s.log.Debug("dropping session event", "type", ev.EventType())
	}
}

func errorLabel(err error) string {
	if t := core.TypeOf(err); t != "" {
		return string(t)
	}
	return "unknown"
}
