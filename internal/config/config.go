package config

import (
	"os"
	"strconv"
	"time"
)

// StartupTimeout bounds login, room join and the signaling handshake.
const StartupTimeout = 30 * time.Second

// Config holds all application configuration
type Config struct {
	SignalingURL string
	APIBaseURL   string
	RoomCode     string

	STUNServer string
	TURN       TURNConfig
	Video      VideoConfig
	Audio      AudioConfig

	// Portrait tells the media layer that the display is taller than it is
	// wide; cameras always report landscape-native dimensions.
	Portrait bool
}

// TURNConfig describes a relay server. TURN is used only when all three
// fields are non-empty; otherwise the client runs on STUN alone.
type TURNConfig struct {
	URL      string
	Username string
	Password string
}

type VideoConfig struct {
	Width     int
	Height    int
	Framerate int
	BitRate   int
}

type AudioConfig struct {
	BitRate    int
	SampleRate int
}

// Enabled reports whether the TURN server is fully configured.
func (t TURNConfig) Enabled() bool {
	return t.URL != "" && t.Username != "" && t.Password != ""
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		SignalingURL: "ws://localhost:7000/socket",
		APIBaseURL:   "http://localhost:7000",
		STUNServer:   "stun:stun4.l.google.com:19302",
		Video: VideoConfig{
			Width:     640,
			Height:    480,
			Framerate: 30,
			BitRate:   500_000,
		},
		Audio: AudioConfig{
			BitRate:    32_000,
			SampleRate: 48000,
		},
	}
}

// Load builds a Config from environment variables, falling back to defaults.
func Load() *Config {
	cfg := NewDefaultConfig()

	cfg.SignalingURL = getEnv("ROOMCALL_SIGNALING_URL", cfg.SignalingURL)
	cfg.APIBaseURL = getEnv("ROOMCALL_API_URL", cfg.APIBaseURL)
	cfg.RoomCode = getEnv("ROOMCALL_ROOM_CODE", cfg.RoomCode)
	cfg.STUNServer = getEnv("ROOMCALL_STUN_SERVER", cfg.STUNServer)

	cfg.TURN = TURNConfig{
		URL:      getEnv("ROOMCALL_TURN_URL", ""),
		Username: getEnv("ROOMCALL_TURN_USERNAME", ""),
		Password: getEnv("ROOMCALL_TURN_PASSWORD", ""),
	}

	cfg.Video.Width = getEnvInt("ROOMCALL_VIDEO_WIDTH", cfg.Video.Width)
	cfg.Video.Height = getEnvInt("ROOMCALL_VIDEO_HEIGHT", cfg.Video.Height)
	cfg.Video.Framerate = getEnvInt("ROOMCALL_VIDEO_FRAMERATE", cfg.Video.Framerate)
	cfg.Video.BitRate = getEnvInt("ROOMCALL_VIDEO_BITRATE", cfg.Video.BitRate)
	cfg.Audio.BitRate = getEnvInt("ROOMCALL_AUDIO_BITRATE", cfg.Audio.BitRate)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
