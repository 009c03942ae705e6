package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TILE_CACHE_LIMIT", "")
	cfg := Load()
	if cfg.TileCacheLimit != 260 {
		t.Errorf("TileCacheLimit = %d, want 260", cfg.TileCacheLimit)
	}
	if cfg.RenderSampleRate != 0 {
		t.Errorf("RenderSampleRate = %d, want 0", cfg.RenderSampleRate)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TILE_CACHE_LIMIT", "64")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("WAVEFORM_CACHE_TTL_HOURS", "1.5")
	t.Setenv("RENDER_SAMPLE_RATE", "48000")
	cfg := Load()
	if cfg.TileCacheLimit != 64 {
		t.Errorf("TileCacheLimit = %d, want 64", cfg.TileCacheLimit)
	}
	if !cfg.MinioUseSSL {
		t.Error("MinioUseSSL = false, want true")
	}
	if cfg.WaveformCacheTTL != 90*time.Minute {
		t.Errorf("WaveformCacheTTL = %v, want 1h30m", cfg.WaveformCacheTTL)
	}
	if cfg.RenderSampleRate != 48000 {
		t.Errorf("RenderSampleRate = %d, want 48000", cfg.RenderSampleRate)
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value    string
		fallback bool
		want     bool
	}{
		{"yes", false, true},
		{"0", true, false},
		{"garbage", true, true},
	}
	for _, tt := range tests {
		t.Setenv("BT1MIX_TEST_BOOL", tt.value)
		if got := getEnvBool("BT1MIX_TEST_BOOL", tt.fallback); got != tt.want {
			t.Errorf("getEnvBool(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
