package live

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	xdraw "golang.org/x/image/draw"

	"github.com/echovision-ai/echovision/pkg/core"
)

// FrameSource produces JPEG frames for periodic sending. Frame returns
// the newest frame exactly once: a tick with no fresh frame is skipped
// rather than resending a stale one.
type FrameSource interface {
	Start() error
	// Frame returns the latest unseen frame, or ok=false when nothing new
	// arrived since the previous call.
	Frame() ([]byte, bool)
	// Err reports a capture failure after Start, such as the capture
	// process exiting.
	Err() error
	Stop() error
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxMJPEGFrame bounds a single frame; anything larger means the stream
// is corrupt and the splitter resyncs.
const maxMJPEGFrame = 8 << 20

// mjpegSplitter extracts complete JPEG images from a raw MJPEG stream.
type mjpegSplitter struct {
	buf []byte
}

// push appends stream bytes and returns the complete frames found.
func (s *mjpegSplitter) push(data []byte) [][]byte {
	s.buf = append(s.buf, data...)
	var frames [][]byte
	for {
		start := bytes.Index(s.buf, jpegSOI)
		if start < 0 {
			// Keep the trailing byte in case a marker spans two reads.
			if n := len(s.buf); n > 1 {
				s.buf = s.buf[n-1:]
			}
			return frames
		}
		rel := bytes.Index(s.buf[start+2:], jpegEOI)
		if rel < 0 {
			s.buf = s.buf[start:]
			if len(s.buf) > maxMJPEGFrame {
				s.buf = nil
			}
			return frames
		}
		end := start + 2 + rel + 2
		frame := make([]byte, end-start)
		copy(frame, s.buf[start:end])
		s.buf = s.buf[end:]
		frames = append(frames, frame)
	}
}

// qualityToFFmpegQ maps a [0,1] quality to the ffmpeg -q:v scale, where
// 2 is best and 31 is worst.
func qualityToFFmpegQ(quality float64) int {
	if quality < 0 {
		quality = 0
	} else if quality > 1 {
		quality = 1
	}
	q := int(math.Round(2 + (1-quality)*29))
	if q < 2 {
		q = 2
	} else if q > 31 {
		q = 31
	}
	return q
}

func jpegQualityPercent(quality float64) int {
	q := int(math.Round(quality * 100))
	if q < 1 {
		q = 1
	} else if q > 100 {
		q = 100
	}
	return q
}

// normalizeFrame downscales a JPEG wider than maxWidth, re-encoding at
// the given quality. Frames already narrow enough pass through untouched.
func normalizeFrame(frame []byte, maxWidth int, quality float64) ([]byte, error) {
	if maxWidth <= 0 {
		return frame, nil
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}
	if cfg.Width <= maxWidth {
		return frame, nil
	}

	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	bounds := src.Bounds()
	scale := float64(maxWidth) / float64(bounds.Dx())
	height := int(math.Round(float64(bounds.Dy()) * scale))
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Src, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: jpegQualityPercent(quality)}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return out.Bytes(), nil
}

func defaultVideoDevice() string {
	switch runtime.GOOS {
	case "darwin":
		return "0"
	case "windows":
		return "video=0"
	default:
		return "/dev/video0"
	}
}

// cameraArgs builds the ffmpeg invocation for a continuous MJPEG stream
// on stdout.
func cameraArgs(cfg VideoConfig) []string {
	var args []string
	switch runtime.GOOS {
	case "darwin":
		args = []string{"-f", "avfoundation", "-framerate", "30", "-i", cfg.Device}
	case "windows":
		args = []string{"-f", "dshow", "-framerate", "30", "-i", cfg.Device}
	default:
		args = []string{"-f", "v4l2", "-framerate", "30", "-i", cfg.Device}
	}
	return append(args,
		"-an",
		"-vf", fmt.Sprintf("fps=%d", cfg.CaptureFPS),
		"-f", "mjpeg",
		"-q:v", strconv.Itoa(qualityToFFmpegQ(cfg.JPEGQuality)),
		"-",
	)
}

// CameraCapture reads the camera through an ffmpeg MJPEG subprocess and
// keeps only the newest frame.
type CameraCapture struct {
	cfg VideoConfig
	log *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	latest  []byte
	fresh   bool
	started bool
	stopped bool
	err     error
	stderr  []string
}

// NewCameraCapture prepares camera capture. The subprocess is not
// spawned until Start.
func NewCameraCapture(cfg VideoConfig, log *slog.Logger) *CameraCapture {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &CameraCapture{cfg: cfg, log: log}
}

// Start spawns the capture process.
func (c *CameraCapture) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return core.NewStateError("camera capture already started")
	}
	if c.stopped {
		c.mu.Unlock()
		return core.NewStateError("camera capture already stopped")
	}
	c.started = true
	c.mu.Unlock()

	ffmpeg := c.cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	path, err := exec.LookPath(ffmpeg)
	if err != nil {
		return core.NewAccessError("Camera unavailable",
			fmt.Sprintf("%s not found on PATH; install ffmpeg to enable video", ffmpeg), err)
	}

	cmd := exec.Command(path, cameraArgs(c.cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return core.NewAccessError("Camera unavailable", "failed to pipe capture output", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return core.NewAccessError("Camera unavailable", "failed to pipe capture diagnostics", err)
	}
	if err := cmd.Start(); err != nil {
		return core.NewAccessError("Camera unavailable", "failed to start the capture process", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	go c.readFrames(stdout)
	go c.readDiagnostics(stderr)
	go c.waitExit(cmd)
	return nil
}

// Frame returns the newest frame once, downscaled to the configured
// width. ok is false when no new frame arrived since the last call.
func (c *CameraCapture) Frame() ([]byte, bool) {
	c.mu.Lock()
	if !c.fresh {
		c.mu.Unlock()
		return nil, false
	}
	frame := c.latest
	c.fresh = false
	c.mu.Unlock()

	normalized, err := normalizeFrame(frame, c.cfg.MaxWidth, c.cfg.JPEGQuality)
	if err != nil {
		c.log.Debug("skipping unusable camera frame", "error", err)
		return nil, false
	}
	return normalized, true
}

// Err reports a capture process failure. It stays nil after a Stop.
func (c *CameraCapture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop kills the capture process. Safe to call twice.
func (c *CameraCapture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cmd := c.cmd
	c.cmd = nil
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return nil
}

func (c *CameraCapture) readFrames(r io.Reader) {
	splitter := &mjpegSplitter{}
	buf := make([]byte, 64<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, frame := range splitter.push(buf[:n]) {
				c.mu.Lock()
				c.latest = frame
				c.fresh = true
				c.mu.Unlock()
			}
		}
		if err != nil {
			return
		}
	}
}

// readDiagnostics keeps a short tail of ffmpeg's stderr for error
// reporting.
func (c *CameraCapture) readDiagnostics(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 64<<10)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.log.Debug("camera capture", "ffmpeg", line)
		c.mu.Lock()
		c.stderr = append(c.stderr, line)
		if len(c.stderr) > 5 {
			c.stderr = c.stderr[len(c.stderr)-5:]
		}
		c.mu.Unlock()
	}
}

func (c *CameraCapture) waitExit(cmd *exec.Cmd) {
	err := cmd.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	detail := "capture process exited"
	if len(c.stderr) > 0 {
		detail = fmt.Sprintf("capture process exited: %s", c.stderr[len(c.stderr)-1])
	}
	c.err = core.NewAccessError("Camera unavailable", detail, err)
}
