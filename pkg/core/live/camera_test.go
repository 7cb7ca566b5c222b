package live

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func fakeJPEGStream(payloads ...[]byte) []byte {
	var out []byte
	for _, p := range payloads {
		out = append(out, jpegSOI...)
		out = append(out, p...)
		out = append(out, jpegEOI...)
	}
	return out
}

func TestMJPEGSplitter_SingleFrame(t *testing.T) {
	s := &mjpegSplitter{}
	stream := fakeJPEGStream([]byte{0x01, 0x02, 0x03})

	frames := s.push(stream)
	if len(frames) != 1 {
		t.Fatalf("push() = %d frames, want 1", len(frames))
	}
	if !bytes.Equal(frames[0], stream) {
		t.Errorf("frame = %v, want %v", frames[0], stream)
	}
}

func TestMJPEGSplitter_FrameSplitAcrossReads(t *testing.T) {
	s := &mjpegSplitter{}
	stream := fakeJPEGStream([]byte{0x01, 0x02, 0x03, 0x04})

	// Split in the middle of the end marker.
	cut := len(stream) - 1
	if frames := s.push(stream[:cut]); len(frames) != 0 {
		t.Fatalf("push(partial) = %d frames, want 0", len(frames))
	}
	frames := s.push(stream[cut:])
	if len(frames) != 1 {
		t.Fatalf("push(rest) = %d frames, want 1", len(frames))
	}
	if !bytes.Equal(frames[0], stream) {
		t.Errorf("frame = %v, want %v", frames[0], stream)
	}
}

func TestMJPEGSplitter_MultipleFramesInOneRead(t *testing.T) {
	s := &mjpegSplitter{}
	a := fakeJPEGStream([]byte{0xAA})
	b := fakeJPEGStream([]byte{0xBB, 0xBC})

	frames := s.push(append(append([]byte{}, a...), b...))
	if len(frames) != 2 {
		t.Fatalf("push() = %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], a) {
		t.Errorf("frame[0] = %v, want %v", frames[0], a)
	}
	if !bytes.Equal(frames[1], b) {
		t.Errorf("frame[1] = %v, want %v", frames[1], b)
	}
}

func TestMJPEGSplitter_SkipsGarbageBeforeFrame(t *testing.T) {
	s := &mjpegSplitter{}
	frame := fakeJPEGStream([]byte{0x42})
	stream := append([]byte{0x00, 0x01, 0x02}, frame...)

	frames := s.push(stream)
	if len(frames) != 1 {
		t.Fatalf("push() = %d frames, want 1", len(frames))
	}
	if !bytes.Equal(frames[0], frame) {
		t.Errorf("frame = %v, want %v", frames[0], frame)
	}
}

func TestQualityToFFmpegQ(t *testing.T) {
	tests := []struct {
		quality float64
		want    int
	}{
		{1.0, 2},
		{0.0, 31},
		{0.4, 19},
		{-0.5, 31},
		{1.5, 2},
	}
	for _, tt := range tests {
		if got := qualityToFFmpegQ(tt.quality); got != tt.want {
			t.Errorf("qualityToFFmpegQ(%v) = %d, want %d", tt.quality, got, tt.want)
		}
	}
}

func TestJPEGQualityPercent(t *testing.T) {
	tests := []struct {
		quality float64
		want    int
	}{
		{0.4, 40},
		{0.0, 1},
		{1.0, 100},
		{1.5, 100},
	}
	for _, tt := range tests {
		if got := jpegQualityPercent(tt.quality); got != tt.want {
			t.Errorf("jpegQualityPercent(%v) = %d, want %d", tt.quality, got, tt.want)
		}
	}
}

func makeTestJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestNormalizeFrame_PassesNarrowFramesThrough(t *testing.T) {
	frame := makeTestJPEG(t, 64, 32)
	got, err := normalizeFrame(frame, 1024, 0.4)
	if err != nil {
		t.Fatalf("normalizeFrame() error = %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Error("narrow frame was re-encoded, want pass-through")
	}
}

func TestNormalizeFrame_DownscalesWideFrames(t *testing.T) {
	frame := makeTestJPEG(t, 200, 100)
	got, err := normalizeFrame(frame, 100, 0.8)
	if err != nil {
		t.Fatalf("normalizeFrame() error = %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(got))
	if err != nil {
		t.Fatalf("decode normalized frame: %v", err)
	}
	if cfg.Width != 100 || cfg.Height != 50 {
		t.Errorf("normalized frame = %dx%d, want 100x50", cfg.Width, cfg.Height)
	}
}

func TestNormalizeFrame_RejectsGarbage(t *testing.T) {
	if _, err := normalizeFrame([]byte("not a jpeg"), 100, 0.4); err == nil {
		t.Error("normalizeFrame() = nil error, want decode failure")
	}
}

func TestCameraCapture_FrameIsDeliveredOnce(t *testing.T) {
	cam := NewCameraCapture(DefaultVideoConfig(), nil)
	cam.readFrames(bytes.NewReader(makeTestJPEG(t, 64, 32)))

	frame, ok := cam.Frame()
	if !ok {
		t.Fatal("Frame() = not ok, want a fresh frame")
	}
	if len(frame) == 0 {
		t.Fatal("Frame() returned empty data")
	}
	if _, ok := cam.Frame(); ok {
		t.Error("second Frame() = ok, want skip until a new frame arrives")
	}
}

func TestCameraCapture_LatestFrameWins(t *testing.T) {
	cam := NewCameraCapture(DefaultVideoConfig(), nil)
	first := makeTestJPEG(t, 64, 32)
	second := makeTestJPEG(t, 32, 16)
	cam.readFrames(bytes.NewReader(append(append([]byte{}, first...), second...)))

	frame, ok := cam.Frame()
	if !ok {
		t.Fatal("Frame() = not ok, want a fresh frame")
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if cfg.Width != 32 || cfg.Height != 16 {
		t.Errorf("frame = %dx%d, want the newest 32x16", cfg.Width, cfg.Height)
	}
}
