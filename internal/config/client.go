package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// ClientConfig configures a teamctl session.
type ClientConfig struct {
	Env       string          `yaml:"env" env:"ENV" env-default:"local"`
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Call      CallConfig      `yaml:"call"`
}

type ServerConfig struct {
	URL string `yaml:"url" env:"TEAMSYNC_SERVER_URL" env-default:"ws://localhost:8080/ws"`
}

type APIConfig struct {
	URL     string        `yaml:"url" env:"TEAMSYNC_API_URL" env-default:"http://localhost:5000"`
	Token   string        `yaml:"token" env:"TEAMSYNC_API_TOKEN"`
	Timeout time.Duration `yaml:"timeout" env-default:"10s"`
}

type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" env-default:"500ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env-default:"30s"`
	Factor       float64       `yaml:"factor" env-default:"2"`
	Jitter       float64       `yaml:"jitter" env-default:"0.2"`
	MaxFailures  int           `yaml:"max_failures" env-default:"5"`

	// HeartbeatInterval is how often a heartbeat frame keeps the presence
	// record fresh on the coordinator.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env-default:"20s"`
}

type CallConfig struct {
	SignalingTimeout time.Duration `yaml:"signaling_timeout" env-default:"30s"`
	ErrorResetDelay  time.Duration `yaml:"error_reset_delay" env-default:"3s"`
	RegisterRetries  int           `yaml:"register_retries" env-default:"3"`
}

// LoadClient reads the client configuration. An empty path reads only the
// environment.
func LoadClient(path string) (*ClientConfig, error) {
	var cfg ClientConfig

	if path == "" {
		path = os.Getenv("TEAMSYNC_CONFIG")
	}
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read client config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read client env: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *ClientConfig) setDefaults() {
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.Reconnect.MaxFailures <= 0 {
		c.Reconnect.MaxFailures = 5
	}
	if c.Call.SignalingTimeout <= 0 {
		c.Call.SignalingTimeout = 30 * time.Second
	}
	if c.Call.ErrorResetDelay <= 0 {
		c.Call.ErrorResetDelay = 3 * time.Second
	}
}
