package live

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/echovision-ai/echovision/pkg/core"
)

// AudioGraph is the playback clock and mixer the scheduler runs against.
type AudioGraph interface {
	// Now returns the graph time in seconds: audio rendered so far.
	Now() float64

	// Schedule queues a buffer to start at the given graph time. Start
	// times in the past are clamped to now. The done callback fires only
	// when the buffer plays to completion, never on a forced stop.
	Schedule(buf *PCMBuffer, when float64, done func()) ScheduledSource

	Close() error
}

// ScheduledSource is one queued buffer on the graph.
type ScheduledSource interface {
	// Stop removes the source from the graph without firing its done
	// callback.
	Stop()
}

// The process gets one speaker context; oto does not allow a second.
var (
	speakerOnce sync.Once
	speakerCtx  *oto.Context
	speakerErr  error
)

func speakerContext(cfg AudioConfig) (*oto.Context, error) {
	speakerOnce.Do(func() {
		opts := &oto.NewContextOptions{
			SampleRate:   cfg.SampleRate,
			ChannelCount: cfg.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		}
		ctx, ready, err := oto.NewContext(opts)
		if err != nil {
			speakerErr = err
			return
		}
		<-ready
		speakerCtx = ctx
	})
	return speakerCtx, speakerErr
}

// Graph mixes scheduled buffers into one mono s16le stream and tracks how
// much audio has been rendered. The speaker player pulls it as an
// io.Reader; tests pull Read directly for deterministic time.
type Graph struct {
	cfg AudioConfig

	mu       sync.Mutex
	sources  []*graphSource
	rendered int64
	scratch  []float32
	closed   bool

	player *oto.Player
	pump   *silentPump
}

type graphSource struct {
	g          *Graph
	samples    []float32
	startFrame int64
	pos        int
	done       func()
	stopped    bool
}

// Stop removes the source without firing its done callback.
func (s *graphSource) Stop() {
	s.g.mu.Lock()
	s.stopped = true
	s.g.mu.Unlock()
}

// NewGraph opens the speaker and starts pulling the mix through it.
func NewGraph(cfg AudioConfig) (*Graph, error) {
	ctx, err := speakerContext(cfg)
	if err != nil {
		return nil, core.NewAccessError("Speaker unavailable", "failed to open the audio output device", err)
	}
	g := &Graph{cfg: cfg}
	g.player = ctx.NewPlayer(g)
	g.player.Play()
	return g, nil
}

// NewSilentGraph renders the mix against the wall clock instead of a
// speaker. Used when audio output is disabled.
func NewSilentGraph(cfg AudioConfig) *Graph {
	g := &Graph{cfg: cfg}
	g.pump = newSilentPump(g)
	return g
}

// Now returns the graph time in seconds.
func (g *Graph) Now() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return float64(g.rendered) / float64(g.cfg.SampleRate)
}

// Schedule queues buf to start at graph time when, clamped to now if the
// requested start already passed. Only the first channel is rendered.
func (g *Graph) Schedule(buf *PCMBuffer, when float64, done func()) ScheduledSource {
	g.mu.Lock()
	defer g.mu.Unlock()

	src := &graphSource{g: g, done: done}
	if g.closed || buf == nil || buf.FrameCount() == 0 || len(buf.Channels) == 0 {
		src.stopped = true
		return src
	}
	startFrame := int64(math.Round(when * float64(g.cfg.SampleRate)))
	if startFrame < g.rendered {
		startFrame = g.rendered
	}
	src.samples = buf.Channels[0]
	src.startFrame = startFrame
	g.sources = append(g.sources, src)
	return src
}

// Read renders the next block of the mix as little-endian PCM16. Sources
// that play to completion have their done callbacks fired after the
// graph lock is released, so callbacks may schedule more audio.
func (g *Graph) Read(p []byte) (int, error) {
	frames := len(p) / 2
	if frames == 0 {
		return 0, nil
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return 0, io.EOF
	}
	begin := g.rendered
	if cap(g.scratch) < frames {
		g.scratch = make([]float32, frames)
	}
	mix := g.scratch[:frames]
	for i := range mix {
		mix[i] = 0
	}

	var completed []func()
	keep := g.sources[:0]
	for _, src := range g.sources {
		if src.stopped {
			continue
		}
		next := src.startFrame + int64(src.pos)
		if next >= begin+int64(frames) {
			keep = append(keep, src)
			continue
		}
		i := int(next - begin)
		for i < frames && src.pos < len(src.samples) {
			mix[i] += src.samples[src.pos]
			i++
			src.pos++
		}
		if src.pos >= len(src.samples) {
			if src.done != nil {
				completed = append(completed, src.done)
			}
			continue
		}
		keep = append(keep, src)
	}
	for i := len(keep); i < len(g.sources); i++ {
		g.sources[i] = nil
	}
	g.sources = keep
	g.rendered += int64(frames)
	g.mu.Unlock()

	for i, v := range mix {
		v *= 32768
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(p[2*i:], uint16(int16(v)))
	}
	for _, done := range completed {
		done()
	}
	return frames * 2, nil
}

// Close stops rendering and releases the speaker.
func (g *Graph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.sources = nil
	player := g.player
	g.player = nil
	pump := g.pump
	g.pump = nil
	g.mu.Unlock()

	if pump != nil {
		pump.stop()
	}
	if player != nil {
		player.Pause()
		return player.Close()
	}
	return nil
}

// silentPump pulls the graph on a ticker so time still advances without
// a speaker.
type silentPump struct {
	g      *Graph
	stopCh chan struct{}
	doneCh chan struct{}
}

func newSilentPump(g *Graph) *silentPump {
	p := &silentPump{g: g, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	go p.run()
	return p
}

func (p *silentPump) run() {
	defer close(p.doneCh)
	buf := make([]byte, p.g.cfg.BytesForDurationMs(20))
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.g.Read(buf); err != nil {
				return
			}
		}
	}
}

func (p *silentPump) stop() {
	close(p.stopCh)
	<-p.doneCh
}

// Scheduler keeps synthesized audio gapless. Chunks are placed
// back-to-back on the graph clock: the cursor never moves backward and
// advances by exactly the duration of each accepted chunk.
type Scheduler struct {
	graph   AudioGraph
	cfg     AudioConfig
	log     *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	cursor    float64
	active    map[int64]ScheduledSource
	nextID    int64
	underruns int64
}

// NewScheduler builds a scheduler on top of graph for audio in the given
// format. Logger and metrics may be nil.
func NewScheduler(graph AudioGraph, cfg AudioConfig, log *slog.Logger, m *Metrics) *Scheduler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		graph:   graph,
		cfg:     cfg,
		log:     log,
		metrics: m,
		active:  make(map[int64]ScheduledSource),
	}
}

// Enqueue schedules one raw PCM chunk directly after whatever is already
// queued. A malformed chunk is rejected with a format error and does not
// move the cursor.
func (s *Scheduler) Enqueue(pcm []byte) error {
	buf, err := PCMToBuffer(pcm, s.cfg.SampleRate, s.cfg.Channels)
	if err != nil {
		return err
	}
	duration := buf.Duration()

	s.mu.Lock()
	now := s.graph.Now()
	start := s.cursor
	if start < now {
		if len(s.active) > 0 {
			s.underruns++
			s.metrics.RecordPlaybackUnderrun()
			s.log.Debug("playback fell behind", "behind_ms", int((now-start)*1000))
		}
		start = now
	}
	id := s.nextID
	s.nextID++
	s.active[id] = s.graph.Schedule(buf, start, func() { s.release(id) })
	s.cursor = start + duration
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) release(id int64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// StopAll force-stops every queued source. Their done callbacks do not
// fire. The cursor is left where it is.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	sources := make([]ScheduledSource, 0, len(s.active))
	for id, src := range s.active {
		sources = append(sources, src)
		delete(s.active, id)
	}
	s.mu.Unlock()

	// Stopping takes the graph lock, so do it outside ours.
	for _, src := range sources {
		src.Stop()
	}
}

// Flush force-stops everything queued and rebases the cursor to the
// current graph time. Used on barge-in.
func (s *Scheduler) Flush() {
	s.StopAll()
	s.mu.Lock()
	s.cursor = s.graph.Now()
	s.mu.Unlock()
}

// ActiveCount reports how many scheduled sources have not yet finished.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Pending reports how many seconds of audio are queued past the current
// graph time.
func (s *Scheduler) Pending() float64 {
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()
	pending := cursor - s.graph.Now()
	if pending < 0 {
		return 0
	}
	return pending
}

// Underruns reports how many times a chunk arrived after its slot while
// earlier audio was still queued.
func (s *Scheduler) Underruns() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.underruns
}
