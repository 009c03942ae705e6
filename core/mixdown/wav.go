package mixdown

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// WAVHeaderSize is the size of the canonical PCM header written by EncodeWAV.
	WAVHeaderSize = 44
	// EncodeChunkFrames 每次写入的帧数
	EncodeChunkFrames = 8192

	wavBitDepth   = 16
	wavFormatPCM  = 1
	yieldInterval = 10 * time.Millisecond
)

// floatToInt16 clamps v into [-1, 1] and scales it asymmetrically so both
// extremes map onto the int16 range.
func floatToInt16(v float32) int {
	s := float64(v)
	if s != s {
		return 0
	}
	if s < -1 {
		s = -1
	} else if s > 1 {
		s = 1
	}
	if s < 0 {
		return int(s * 0x8000)
	}
	return int(s * 0x7fff)
}

// EncodeWAV writes interleaved float samples as 16-bit PCM WAV. onProgress,
// if set, is called after every chunk with frames written and total frames.
func EncodeWAV(ctx context.Context, w io.WriteSeeker, samples []float32, channels, sampleRate int, onProgress func(done, total int)) error {
	if channels <= 0 {
		return fmt.Errorf("invalid channel count %d", channels)
	}
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	totalFrames := len(samples) / channels
	enc := wav.NewEncoder(w, sampleRate, wavBitDepth, channels, wavFormatPCM)
	format := &audio.Format{NumChannels: channels, SampleRate: sampleRate}
	buf := &audio.IntBuffer{
		Format:         format,
		Data:           make([]int, EncodeChunkFrames*channels),
		SourceBitDepth: wavBitDepth,
	}

	lastYield := time.Now()
	for start := 0; start < totalFrames; start += EncodeChunkFrames {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(totalFrames, start+EncodeChunkFrames)
		chunk := samples[start*channels : end*channels]
		buf.Data = buf.Data[:len(chunk)]
		for i, v := range chunk {
			buf.Data[i] = floatToInt16(v)
		}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("write wav chunk at frame %d: %w", start, err)
		}
		if onProgress != nil {
			onProgress(end, totalFrames)
		}
		if time.Since(lastYield) >= yieldInterval {
			runtime.Gosched()
			lastYield = time.Now()
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}
