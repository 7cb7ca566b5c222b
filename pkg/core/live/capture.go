package live

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/echovision-ai/echovision/pkg/core"
)

// AudioSource produces fixed-size blocks of raw PCM microphone audio.
// Blocks arrive on the Blocks channel from Start until Stop; a slow
// consumer loses whole blocks rather than stalling the capture thread.
type AudioSource interface {
	Start() error
	Blocks() <-chan []byte
	Stop() error
}

// blockAggregator slices an unbounded byte stream into fixed-size blocks.
type blockAggregator struct {
	size int
	buf  []byte
}

func newBlockAggregator(size int) *blockAggregator {
	return &blockAggregator{size: size}
}

// push appends data and returns the completed blocks, if any.
func (a *blockAggregator) push(data []byte) [][]byte {
	a.buf = append(a.buf, data...)
	var blocks [][]byte
	for len(a.buf) >= a.size {
		block := make([]byte, a.size)
		copy(block, a.buf)
		a.buf = a.buf[a.size:]
		blocks = append(blocks, block)
	}
	return blocks
}

// buffered reports how many bytes are waiting for the next block.
func (a *blockAggregator) buffered() int {
	return len(a.buf)
}

// MicCapture reads the system microphone and emits fixed-size PCM blocks.
type MicCapture struct {
	cfg       AudioConfig
	blockSize int
	log       *slog.Logger

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	agg      *blockAggregator
	started  bool
	stopped  bool

	blocks  chan []byte
	dropped atomic.Int64
}

// NewMicCapture prepares microphone capture in the given format, emitting
// blocks of blockSamples samples. The device is not opened until Start.
func NewMicCapture(cfg AudioConfig, blockSamples int, log *slog.Logger) *MicCapture {
	if blockSamples <= 0 {
		blockSamples = InputBlockSamples
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &MicCapture{
		cfg:       cfg,
		blockSize: blockSamples * cfg.BytesPerFrame(),
		log:       log,
		agg:       newBlockAggregator(blockSamples * cfg.BytesPerFrame()),
		blocks:    make(chan []byte, 8),
	}
}

// Start opens the capture device and begins emitting blocks.
func (m *MicCapture) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return core.NewStateError("microphone capture already started")
	}
	if m.stopped {
		m.mu.Unlock()
		return core.NewStateError("microphone capture already stopped")
	}
	m.started = true
	m.mu.Unlock()

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	malgoCtx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return core.NewAccessError("Microphone unavailable",
			"failed to initialize the audio capture backend", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(m.cfg.Channels)
	deviceConfig.SampleRate = uint32(m.cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.ingest(input)
		},
	}
	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		return core.NewAccessError("Microphone unavailable",
			"failed to open the capture device; check that a microphone is connected and the app has microphone permission", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		return core.NewAccessError("Microphone unavailable",
			"failed to start the capture device", err)
	}

	m.mu.Lock()
	m.malgoCtx = malgoCtx
	m.device = device
	m.mu.Unlock()
	return nil
}

// Blocks yields capture blocks. The channel is closed by Stop.
func (m *MicCapture) Blocks() <-chan []byte {
	return m.blocks
}

// Dropped reports how many blocks were discarded because the consumer
// fell behind.
func (m *MicCapture) Dropped() int64 {
	return m.dropped.Load()
}

// ingest runs on the capture thread; it must never block.
func (m *MicCapture) ingest(input []byte) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	ready := m.agg.push(input)
	m.mu.Unlock()

	for _, block := range ready {
		select {
		case m.blocks <- block:
		default:
			if n := m.dropped.Add(1); n == 1 {
				m.log.Warn("dropping microphone blocks, consumer is behind")
			}
		}
	}
}

// Stop closes the device and the Blocks channel. Safe to call twice.
func (m *MicCapture) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	device := m.device
	malgoCtx := m.malgoCtx
	m.device = nil
	m.malgoCtx = nil
	m.mu.Unlock()

	// Uninit joins the capture thread, so no callback is in flight when
	// the channel closes.
	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
	if malgoCtx != nil {
		_ = malgoCtx.Uninit()
	}
	close(m.blocks)
	return nil
}
