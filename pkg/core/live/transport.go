package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echovision-ai/echovision/pkg/core"
)

const defaultDialTimeout = 15 * time.Second

// Conn is a low-level live websocket connection to the model service.
//
// Media may be sent before Open completes: frames are queued and flushed
// in order once the server acknowledges setup. After a terminal failure
// or close, Conn emits exactly one ErrorEvent or ClosedEvent and then
// closes the Events channel.
type Conn struct {
	cfg LiveConfig
	log *slog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	opened  bool
	started bool
	pending [][]byte

	writeMu sync.Mutex

	events chan Event
	done   chan struct{}
	stop   chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// NewConn prepares a connection without dialing. A nil logger disables
// transport logging.
func NewConn(cfg LiveConfig, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Conn{
		cfg:    cfg,
		log:    log,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

// Events yields connection events in arrival order. The channel is closed
// after the terminal event.
func (c *Conn) Events() <-chan Event {
	if c == nil {
		return nil
	}
	return c.events
}

// Err reports the terminal connection error, if any. It blocks until the
// connection has fully shut down.
func (c *Conn) Err() error {
	if c == nil {
		return nil
	}
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Open dials the endpoint, performs the setup handshake and flushes any
// frames queued beforehand. It must be called at most once.
func (c *Conn) Open(ctx context.Context) error {
	if c.closed.Load() {
		return core.NewStateError("connection is closed")
	}
	c.mu.Lock()
	alreadyOpened := c.opened
	c.mu.Unlock()
	if alreadyOpened {
		return core.NewStateError("connection is already open")
	}
	if strings.TrimSpace(c.cfg.Endpoint) == "" {
		return core.NewConnectionError("live endpoint must not be empty", nil)
	}
	if strings.TrimSpace(c.cfg.Model) == "" {
		return core.NewConnectionError("live model must not be empty", nil)
	}

	headers := make(http.Header)
	if c.cfg.APIKey != "" {
		headers.Set("x-goog-api-key", c.cfg.APIKey)
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}
	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout())
		defer cancel()
	}

	ws, resp, err := dialer.DialContext(dialCtx, c.cfg.Endpoint, headers)
	if err != nil {
		if resp != nil {
			return core.NewConnectionError(fmt.Sprintf("websocket dial failed (status %d)", resp.StatusCode), err)
		}
		return core.NewConnectionError("websocket dial failed", err)
	}

	if err := ws.WriteJSON(newSetupMessage(c.cfg)); err != nil {
		_ = ws.Close()
		return core.NewConnectionError("send setup", err)
	}

	ackDeadline := time.Now().Add(c.dialTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(ackDeadline) {
		ackDeadline = d
	}
	_ = ws.SetReadDeadline(ackDeadline)
	messageType, payload, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return core.NewConnectionError("read setup ack", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = ws.Close()
		return core.NewConnectionError(fmt.Sprintf("unexpected first frame type %d", messageType), nil)
	}
	msg, err := decodeServerMessage(payload)
	if err != nil {
		_ = ws.Close()
		return core.NewConnectionError("decode setup ack", err)
	}
	if msg.SetupComplete == nil {
		_ = ws.Close()
		return core.NewConnectionError("setup was not acknowledged", nil)
	}

	// Adopt the socket and flush frames queued before the ack. Holding
	// writeMu across the flush keeps queued frames ahead of new sends.
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		c.writeMu.Unlock()
		_ = ws.Close()
		return core.NewStateError("connection is closed")
	}
	c.ws = ws
	c.opened = true
	c.started = true
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()
	var flushErr error
	for _, frame := range queued {
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			flushErr = core.NewConnectionError("flush deferred frames", err)
			break
		}
	}
	c.writeMu.Unlock()

	if flushErr != nil {
		// The loop still runs so Close can join on done.
		c.setErr(flushErr)
		_ = ws.Close()
		go c.readLoop()
		return flushErr
	}

	c.emit(&OpenedEvent{})
	go c.readLoop()
	return nil
}

// SendAudioChunk sends one block of raw little-endian PCM at the input
// sample rate.
func (c *Conn) SendAudioChunk(pcm []byte) error {
	msg := newMediaChunkMessage(pcmMIMEType(c.cfg.AudioIn.SampleRate), pcm)
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode audio chunk: %w", err)
	}
	return c.send(frame)
}

// SendImageFrame sends one JPEG-encoded camera frame.
func (c *Conn) SendImageFrame(jpeg []byte) error {
	msg := newMediaChunkMessage(jpegMIMEType, jpeg)
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode image frame: %w", err)
	}
	return c.send(frame)
}

func (c *Conn) send(frame []byte) error {
	if c.closed.Load() {
		return core.NewStateError("connection is closed")
	}
	c.mu.Lock()
	if !c.opened {
		c.pending = append(c.pending, frame)
		c.mu.Unlock()
		return nil
	}
	ws := c.ws
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return core.NewConnectionError("write media frame", err)
	}
	return nil
}

// Close shuts the connection down and waits for the read loop to finish.
// It is safe to call more than once and before Open.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		c.mu.Lock()
		ws := c.ws
		if !c.started {
			c.started = true
			close(c.events)
			close(c.done)
		}
		c.mu.Unlock()
		if ws != nil {
			c.writeMu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
			c.writeMu.Unlock()
			_ = ws.Close()
		}
	})
	<-c.done
	return nil
}

func (c *Conn) dialTimeout() time.Duration {
	if c.cfg.DialTimeout > 0 {
		return c.cfg.DialTimeout
	}
	return defaultDialTimeout
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// emit blocks until the consumer takes the event or the connection is
// closed. Events are never reordered or dropped on a live connection.
func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		msg, err := decodeServerMessage(data)
		if err != nil {
			c.log.Warn("skipping undecodable server frame", "error", err)
			continue
		}
		c.handleServerMessage(msg)
	}
}

// finish emits the single terminal event for the connection.
func (c *Conn) finish(err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
			c.emit(&ClosedEvent{Code: closeErr.Code, Reason: closeErr.Text})
			return
		}
		cerr := core.NewConnectionError(fmt.Sprintf("remote closed with code %d: %s", closeErr.Code, closeErr.Text), err)
		c.setErr(cerr)
		c.emit(&ErrorEvent{Err: cerr})
		return
	}
	if c.closed.Load() {
		c.emit(&ClosedEvent{Code: websocket.CloseNormalClosure})
		return
	}
	cerr := core.NewConnectionError("connection lost", err)
	c.setErr(cerr)
	c.emit(&ErrorEvent{Err: cerr})
}

func (c *Conn) handleServerMessage(msg *serverMessage) {
	if msg.UsageMetadata != nil {
		c.emit(&UsageEvent{
			PromptTokens:   msg.UsageMetadata.PromptTokenCount,
			ResponseTokens: msg.UsageMetadata.ResponseTokenCount,
			TotalTokens:    msg.UsageMetadata.TotalTokenCount,
		})
	}
	if msg.GoAway != nil {
		c.emit(&GoAwayEvent{TimeLeft: msg.GoAway.TimeLeft})
	}

	sc := msg.ServerContent
	if sc == nil {
		return
	}
	if sc.Interrupted {
		c.emit(&InterruptedEvent{})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		c.emit(&TranscriptDeltaEvent{Role: RoleUser, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		c.emit(&TranscriptDeltaEvent{Role: RoleAssistant, Text: sc.OutputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.Text != "" {
				c.emit(&TranscriptDeltaEvent{Role: RoleAssistant, Text: p.Text})
			}
			if p.InlineData == nil {
				continue
			}
			if !strings.HasPrefix(p.InlineData.MIMEType, "audio/pcm") {
				continue
			}
			pcm, err := DecodeText(p.InlineData.Data)
			if err != nil {
				c.log.Warn("dropping undecodable audio part", "error", err)
				continue
			}
			c.emit(&AudioChunkEvent{Data: pcm})
		}
	}
	if sc.TurnComplete {
		c.emit(&TurnCompleteEvent{})
	}
}
