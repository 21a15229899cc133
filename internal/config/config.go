package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings is read from SHELLPORT_* environment variables.
type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"./data/shellport.db"`
	ProfilesFile string `envconfig:"PROFILES_FILE" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// SSH transport
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	KnownHostsPath string        `envconfig:"KNOWN_HOSTS_PATH" default:""`

	// SFTP session registry
	SessionIdleTimeout   time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	SessionSweepSchedule string        `envconfig:"SESSION_SWEEP_SCHEDULE" default:"@every 30m"`

	// Transfer progress
	ProgressGracePeriod time.Duration `envconfig:"PROGRESS_GRACE_PERIOD" default:"5s"`

	// Terminal settings
	TerminalCols int `envconfig:"TERMINAL_COLS" default:"80"`
	TerminalRows int `envconfig:"TERMINAL_ROWS" default:"24"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads Settings from the environment.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("SHELLPORT", &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if s.TerminalCols <= 0 || s.TerminalRows <= 0 {
		return Settings{}, fmt.Errorf("load config: invalid terminal size %dx%d", s.TerminalCols, s.TerminalRows)
	}
	return s, nil
}
