package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	LogLevel string
	LogPath  string

	FFmpegPath string
	OutputDir  string // Directory for bounced mixdowns

	// RenderSampleRate overrides the mixdown sample rate. 0 follows the first decoded track.
	RenderSampleRate int

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	RedisDB          int
	WaveformCacheTTL time.Duration

	// MinIO配置
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string

	ServerAddr string

	// 波形瓦片缓存
	TileCacheLimit int
	TileWorkers    int
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogPath:          getEnv("LOG_PATH", ""),
		FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
		OutputDir:        getEnv("OUTPUT_DIR", "mixdowns"),
		RenderSampleRate: getEnvInt("RENDER_SAMPLE_RATE", 0),
		DBHost:           getEnv("DB_HOST", "127.0.0.1"),
		DBPort:           getEnv("DB_PORT", "3306"),
		DBUser:           getEnv("DB_USER", "root"),
		DBPassword:       os.Getenv("DB_PASSWORD"),
		DBName:           getEnv("DB_NAME", "mixtape"),
		RedisHost:        getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:          getEnvInt("REDIS_DB", 0),     // 默认使用0号数据库
		WaveformCacheTTL: time.Duration(getEnvFloat("WAVEFORM_CACHE_TTL_HOURS", 72) * float64(time.Hour)),
		MinioEndpoint:    getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey:   getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:   getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:      getEnv("MINIO_BUCKET", "bt1mix"),
		MinioUseSSL:      getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:      getEnv("MINIO_REGION", "us-east-1"),
		ServerAddr:       getEnv("SERVER_ADDR", ":8080"),
		TileCacheLimit:   getEnvInt("TILE_CACHE_LIMIT", 260),
		TileWorkers:      getEnvInt("TILE_WORKERS", 2),
	}
}
