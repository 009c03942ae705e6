package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"Bt1Mix/core/waveform"
	"Bt1Mix/logger"

	"github.com/go-redis/redis/v8"
)

const (
	bandKeyPrefix = "waveform:band:"
	rawKeyPrefix  = "waveform:raw:"

	opTimeout  = 5 * time.Second
	maxRetries = 2
	retryDelay = 100 * time.Millisecond
)

// WaveformCache persists band and raw waveform data in Redis.
type WaveformCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewWaveformCache wraps client. ttl <= 0 keeps entries forever.
func NewWaveformCache(client *redis.Client, ttl time.Duration) *WaveformCache {
	return &WaveformCache{client: client, ttl: ttl}
}

// BandKey 波形分频数据的键
func BandKey(filePath string) string {
	return bandKeyPrefix + filePath
}

// RawKey 原始峰值数据的键
func RawKey(filePath string, rate float64) string {
	return rawKeyPrefix + strconv.FormatFloat(rate, 'f', -1, 64) + ":" + filePath
}

// GetBands returns nil, nil on a miss.
func (c *WaveformCache) GetBands(ctx context.Context, filePath string) (*waveform.BandData, error) {
	data, err := c.get(ctx, BandKey(filePath))
	if err != nil || data == nil {
		return nil, err
	}
	var out waveform.BandData
	if err := decode(data, &out); err != nil {
		logger.Warn("波形缓存数据损坏", logger.String("file", filePath), logger.ErrorField(err))
		return nil, nil
	}
	return &out, nil
}

// SetBands stores band data of a file.
func (c *WaveformCache) SetBands(ctx context.Context, filePath string, data *waveform.BandData) error {
	if data == nil {
		return nil
	}
	return c.set(ctx, BandKey(filePath), data)
}

// GetRaw returns nil, nil on a miss.
func (c *WaveformCache) GetRaw(ctx context.Context, filePath string, rate float64) (*waveform.RawData, error) {
	data, err := c.get(ctx, RawKey(filePath, rate))
	if err != nil || data == nil {
		return nil, err
	}
	var out waveform.RawData
	if err := decode(data, &out); err != nil {
		logger.Warn("原始波形缓存数据损坏", logger.String("file", filePath), logger.ErrorField(err))
		return nil, nil
	}
	return &out, nil
}

// SetRaw stores raw peaks of a file at rate.
func (c *WaveformCache) SetRaw(ctx context.Context, filePath string, rate float64, data *waveform.RawData) error {
	if data == nil {
		return nil
	}
	return c.set(ctx, RawKey(filePath, rate), data)
}

// Delete removes every entry of a file, the raw data at all rates included.
func (c *WaveformCache) Delete(ctx context.Context, filePath string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	keys := []string{BandKey(filePath)}
	iter := c.client.Scan(ctx, 0, rawKeyPrefix+"*:"+escapeGlob(filePath), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan waveform keys: %w", err)
	}
	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		logger.Error("删除波形缓存失败", logger.String("file", filePath), logger.ErrorField(err))
		return err
	}
	logger.Debug("波形缓存已删除", logger.String("file", filePath), logger.Int64("keys", n))
	return nil
}

// get 读取缓存，失败时重试；未命中或最终失败都返回 nil, nil
func (c *WaveformCache) get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	delay := retryDelay
	for attempt := 0; attempt < maxRetries; attempt++ {
		data, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			logger.Debug("波形缓存命中", logger.String("key", key), logger.Int("dataSize", len(data)))
			return data, nil
		}
		if errors.Is(err, redis.Nil) {
			logger.Debug("波形缓存不存在", logger.String("key", key))
			return nil, nil
		}
		if attempt < maxRetries-1 {
			logger.Warn("获取波形缓存失败，准备重试",
				logger.String("key", key),
				logger.Int("attempt", attempt+1),
				logger.ErrorField(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, nil
			}
			delay *= 2 // 指数退避
			continue
		}
		logger.Error("获取波形缓存最终失败，将重新分析",
			logger.String("key", key),
			logger.Int("totalAttempts", maxRetries),
			logger.ErrorField(err))
	}
	return nil, nil
}

func (c *WaveformCache) set(ctx context.Context, key string, v any) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		logger.Error("设置波形缓存失败",
			logger.String("key", key),
			logger.Int("dataSize", len(data)),
			logger.ErrorField(err))
		return err
	}
	logger.Debug("波形缓存设置成功",
		logger.String("key", key),
		logger.Int("dataSize", len(data)),
		logger.Duration("expiration", c.ttl))
	return nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// escapeGlob 转义 SCAN MATCH 的通配符
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
