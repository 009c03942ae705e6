package analysis

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"Bt1Mix/logger"
)

// defaultDecodeRate is used when ffprobe cannot report the stream rate.
const defaultDecodeRate = 44100

// FFmpegDecoder decodes anything ffmpeg understands to interleaved float32 stereo.
type FFmpegDecoder struct {
	ffmpegPath string
}

// NewFFmpegDecoder creates a decoder around the given ffmpeg binary.
func NewFFmpegDecoder(ffmpegPath string) *FFmpegDecoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegDecoder{ffmpegPath: ffmpegPath}
}

func (p *FFmpegDecoder) ffprobePath() string {
	return strings.Replace(p.ffmpegPath, "ffmpeg", "ffprobe", 1)
}

// ffprobeStream 对应 ffprobe 的 JSON 输出
type ffprobeStream struct {
	Streams []struct {
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// StreamInfo describes the first audio stream of a file.
type StreamInfo struct {
	Codec      string
	SampleRate int
	Channels   int
	Duration   float64
}

// Probe 获取音频流信息
func (p *FFmpegDecoder) Probe(ctx context.Context, inputFile string) (*StreamInfo, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name,sample_rate,channels:format=duration",
		"-of", "json",
		inputFile,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath(), args...)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe execution failed for %s: %w\nFFprobe Error: %s", inputFile, err, stderr.String())
	}

	var probeData ffprobeStream
	if err := json.Unmarshal(out.Bytes(), &probeData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ffprobe output for %s: %w", inputFile, err)
	}
	if len(probeData.Streams) == 0 {
		return nil, fmt.Errorf("no audio streams found in %s", inputFile)
	}

	s := probeData.Streams[0]
	info := &StreamInfo{Codec: s.CodecName, Channels: s.Channels}
	if rate, err := strconv.Atoi(s.SampleRate); err == nil {
		info.SampleRate = rate
	}
	if d, err := strconv.ParseFloat(probeData.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	return info, nil
}

// Decode pipes the file through ffmpeg as f32le stereo at its native rate.
func (p *FFmpegDecoder) Decode(ctx context.Context, inputFile string) (*PCM, error) {
	rate := defaultDecodeRate
	channels := 2
	if info, err := p.Probe(ctx, inputFile); err != nil {
		logger.Warn("无法探测音频流，使用默认采样率",
			logger.String("file", inputFile),
			logger.ErrorField(err))
	} else {
		if info.SampleRate > 0 {
			rate = info.SampleRate
		}
		if info.Channels > 0 {
			channels = info.Channels
		}
	}

	args := []string{
		"-v", "error",
		"-i", inputFile,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ac", "2",
		"-ar", strconv.Itoa(rate),
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start failed for %s: %w", inputFile, err)
	}

	samples, readErr := readF32Stereo(stdout)
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("ffmpeg execution failed for %s: %w\nFFmpeg Error: %s", inputFile, err, stderr.String())
	}
	if readErr != nil {
		return nil, fmt.Errorf("read ffmpeg output for %s: %w", inputFile, readErr)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no audio for %s", inputFile)
	}

	return &PCM{Samples: samples, SampleRate: rate, Channels: channels, TotalFrames: len(samples)}, nil
}

// readF32Stereo reads interleaved little-endian float32 frames until EOF.
func readF32Stereo(r io.Reader) ([][2]float64, error) {
	var out [][2]float64
	buf := make([]byte, 8*4096)
	var carry []byte
	for {
		n, err := r.Read(buf)
		data := append(carry, buf[:n]...)
		frames := len(data) / 8
		for i := 0; i < frames; i++ {
			l := math.Float32frombits(binary.LittleEndian.Uint32(data[i*8:]))
			rr := math.Float32frombits(binary.LittleEndian.Uint32(data[i*8+4:]))
			out = append(out, [2]float64{float64(l), float64(rr)})
		}
		carry = append(carry[:0], data[frames*8:]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}
