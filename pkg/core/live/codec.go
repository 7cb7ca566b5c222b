package live

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/echovision-ai/echovision/pkg/core"
)

// EncodeBytes maps an arbitrary byte sequence to a transport-safe text token.
// DecodeText reverses it exactly.
func EncodeBytes(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeText decodes a token produced by EncodeBytes.
func DecodeText(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, core.NewFormatError(fmt.Sprintf("invalid base64 payload: %v", err))
	}
	return data, nil
}

// PCMBuffer is decoded, playable audio: one normalized sample slice per
// channel, all the same length, samples in [-1.0, 1.0).
type PCMBuffer struct {
	Channels   [][]float32
	SampleRate int
}

// FrameCount returns the number of frames (samples per channel).
func (b *PCMBuffer) FrameCount() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length in seconds.
func (b *PCMBuffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.FrameCount()) / float64(b.SampleRate)
}

// PCMToBuffer interprets data as interleaved signed 16-bit little-endian
// samples, deinterleaves into channels, and normalizes each sample by /32768.
// Returns a format error when len(data) is not a multiple of 2*channels.
func PCMToBuffer(data []byte, sampleRate, channels int) (*PCMBuffer, error) {
	if sampleRate <= 0 {
		return nil, core.NewFormatError(fmt.Sprintf("invalid sample rate %d", sampleRate))
	}
	if channels <= 0 {
		return nil, core.NewFormatError(fmt.Sprintf("invalid channel count %d", channels))
	}
	frameBytes := 2 * channels
	if len(data)%frameBytes != 0 {
		return nil, core.NewFormatError(fmt.Sprintf("pcm length %d not aligned to %d-byte frames", len(data), frameBytes))
	}

	frames := len(data) / frameBytes
	buf := &PCMBuffer{
		Channels:   make([][]float32, channels),
		SampleRate: sampleRate,
	}
	for ch := range buf.Channels {
		buf.Channels[ch] = make([]float32, frames)
	}
	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels; ch++ {
			off := (f*channels + ch) * 2
			s := int16(binary.LittleEndian.Uint16(data[off : off+2]))
			buf.Channels[ch][f] = float32(s) / 32768.0
		}
	}
	return buf, nil
}

// BufferToPCM re-quantizes a buffer to interleaved signed 16-bit little-endian
// bytes: scale by 32768, clamp to the int16 range, no dithering.
func BufferToPCM(buf *PCMBuffer) []byte {
	frames := buf.FrameCount()
	channels := len(buf.Channels)
	out := make([]byte, frames*channels*2)
	for f := 0; f < frames; f++ {
		for ch := 0; ch < channels; ch++ {
			v := float64(buf.Channels[ch][f]) * 32768.0
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			off := (f*channels + ch) * 2
			binary.LittleEndian.PutUint16(out[off:off+2], uint16(int16(v)))
		}
	}
	return out
}

// PCMToWAV wraps raw PCM bytes with a 44-byte WAV header so one-shot TTS
// output can be written straight to a playable file.
func PCMToWAV(pcm []byte, cfg AudioConfig) []byte {
	dataLen := len(pcm)
	byteRate := cfg.BytesPerSecond()
	blockAlign := cfg.BytesPerFrame()

	header := make([]byte, 44)

	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataLen))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(cfg.Channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(cfg.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(cfg.BitsPerSample))

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataLen))

	return append(header, pcm...)
}

// SineTone synthesizes a PCM16 sine tone in cfg's format. Used by the
// speaker self-test.
func SineTone(freqHz int, amp float64, d time.Duration, cfg AudioConfig) []byte {
	if freqHz <= 0 || d <= 0 || cfg.SampleRate <= 0 {
		return nil
	}
	if amp <= 0 {
		amp = 0.2
	}
	if amp > 1.0 {
		amp = 1.0
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	frames := int(float64(cfg.SampleRate) * d.Seconds())
	if frames <= 0 {
		frames = 1
	}
	out := make([]byte, frames*channels*2)
	for f := 0; f < frames; f++ {
		t := float64(f) / float64(cfg.SampleRate)
		v := amp * math.Sin(2*math.Pi*float64(freqHz)*t)
		s := int16(v * 32767.0)
		for ch := 0; ch < channels; ch++ {
			off := (f*channels + ch) * 2
			out[off] = byte(s)
			out[off+1] = byte(s >> 8)
		}
	}
	return out
}

// PCMStats returns the peak absolute amplitude and RMS energy of raw PCM16LE
// bytes. RMS is normalized to [0, 1]. Used for mic diagnostics.
func PCMStats(pcm []byte) (peakAbs int, rms float64) {
	if len(pcm) < 2 {
		return 0, 0
	}
	var sumSquares float64
	samples := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		abs := int(v)
		if abs < 0 {
			abs = -abs
		}
		if abs > peakAbs {
			peakAbs = abs
		}
		f := float64(v) / 32768.0
		sumSquares += f * f
		samples++
	}
	if samples == 0 {
		return peakAbs, 0
	}
	return peakAbs, math.Sqrt(sumSquares / float64(samples))
}
