package analysis

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// ErrInvalidWAV is returned for a .wav file without a readable PCM chunk.
var ErrInvalidWAV = errors.New("invalid WAV file")

// Decoder turns a file into stereo PCM.
type Decoder struct {
	ffmpeg *FFmpegDecoder
}

// NewDecoder creates a decoder. Files that are neither WAV nor MP3 go through ffmpeg.
func NewDecoder(ffmpegPath string) *Decoder {
	return &Decoder{ffmpeg: NewFFmpegDecoder(ffmpegPath)}
}

// Decode picks the decoder by extension.
func (d *Decoder) Decode(ctx context.Context, filePath string) (*PCM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".wav":
		return DecodeWAVFile(filePath)
	case ".mp3":
		return DecodeMP3File(filePath)
	default:
		return d.ffmpeg.Decode(ctx, filePath)
	}
}

// DecodeWAVFile decodes an integer PCM WAV file.
func DecodeWAVFile(path string) (*PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeWAV(f)
}

// DecodeWAV decodes integer PCM WAV from r.
func DecodeWAV(r io.ReadSeeker) (*PCM, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	if err := decoder.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("seek to PCM chunk: %w", err)
	}
	format := decoder.Format()
	bitDepth := int(decoder.SampleBitDepth())
	if bitDepth == 0 || format == nil || format.NumChannels <= 0 {
		return nil, fmt.Errorf("%w: unknown format", ErrInvalidWAV)
	}
	bytesPerSample := (bitDepth-1)/8 + 1
	nsamples := int(decoder.PCMLen()) / bytesPerSample
	nchannels := format.NumChannels

	buf := &audio.IntBuffer{
		Format:         format,
		Data:           make([]int, nsamples),
		SourceBitDepth: bitDepth,
	}
	n, err := decoder.PCMBuffer(buf)
	if err != nil {
		return nil, fmt.Errorf("decode PCM: %w", err)
	}
	factor := math.Pow(2, float64(bitDepth-1))
	frames := n / nchannels
	samples := make([][2]float64, frames)
	for i := 0; i < frames; i++ {
		l := float64(buf.Data[i*nchannels]) / factor
		r := l
		if nchannels > 1 {
			r = float64(buf.Data[i*nchannels+1]) / factor
		}
		samples[i] = [2]float64{l, r}
	}
	return &PCM{
		Samples:     samples,
		SampleRate:  format.SampleRate,
		Channels:    nchannels,
		TotalFrames: frames,
	}, nil
}

// DecodeMP3File decodes an MP3 file; go-mp3 always yields 16-bit stereo.
func DecodeMP3File(path string) (*PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("open mp3 %s: %w", path, err)
	}
	nbytes := decoder.Length()
	if nbytes <= 0 {
		return nil, fmt.Errorf("cannot determine length of MP3 file: %s", path)
	}
	nframes := int(nbytes / 4)
	samples := make([][2]float64, 0, nframes)
	buf := make([]byte, 4*4096)
	for {
		n, err := io.ReadFull(decoder, buf)
		for i := 0; i+4 <= n; i += 4 {
			l := int16(binary.LittleEndian.Uint16(buf[i:]))
			r := int16(binary.LittleEndian.Uint16(buf[i+2:]))
			samples = append(samples, [2]float64{float64(l) / 32768, float64(r) / 32768})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode mp3 %s: %w", path, err)
		}
	}
	return &PCM{
		Samples:     samples,
		SampleRate:  decoder.SampleRate(),
		Channels:    2,
		TotalFrames: len(samples),
	}, nil
}
