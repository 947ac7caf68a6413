// Package config provides configuration management for the univoice core
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Services Services `mapstructure:"services"`
	Capture  Capture  `mapstructure:"capture"`
	Wake     Wake     `mapstructure:"wake"`
	Playback Playback `mapstructure:"playback"`
	Session  Session  `mapstructure:"session"`
	Frontend Frontend `mapstructure:"frontend"`
}

// Services configures the STT, chat and animation-bundle collaborators
type Services struct {
	STTBaseURL       string        `mapstructure:"stt_base_url"`
	ChatBaseURL      string        `mapstructure:"chat_base_url"`
	AnimationBaseURL string        `mapstructure:"animation_base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	AnimationTimeout time.Duration `mapstructure:"animation_timeout"` // bundle generation is slow
}

// Capture configures voice capture and endpointing
type Capture struct {
	SampleRate      int           `mapstructure:"sample_rate"`
	Channels        int           `mapstructure:"channels"`
	BitDepth        int           `mapstructure:"bit_depth"`
	VADThreshold    float64       `mapstructure:"vad_threshold"`
	VADSmoothing    int           `mapstructure:"vad_smoothing"`
	VADMaxSilence   time.Duration `mapstructure:"vad_max_silence"`
	StopGraceDelay  time.Duration `mapstructure:"stop_grace_delay"`  // silence-to-stop grace
	MinUtteranceLen int           `mapstructure:"min_utterance_len"` // bytes; below this the take is discarded
}

// Wake configures the wake-word gate
type Wake struct {
	AccessKey    string        `mapstructure:"access_key"`
	KeywordAsset string        `mapstructure:"keyword_asset"`
	ModelAsset   string        `mapstructure:"model_asset"`
	BaseURL      string        `mapstructure:"base_url"` // prepended for fully-qualified candidates
	InitTimeout  time.Duration `mapstructure:"init_timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// Playback configures the animation playback clock
type Playback struct {
	FrameRate   int     `mapstructure:"frame_rate"`
	DecayFactor float64 `mapstructure:"decay_factor"` // per-tick lerp toward neutral while idle
	ModelPath   string  `mapstructure:"model_path"`   // optional glTF file for morph target names
}

// Session configures the turn-taking orchestrator
type Session struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"` // speaking-to-listening echo guard
	RetryDelay        time.Duration `mapstructure:"retry_delay"`  // re-arm delay after a failed turn
	Greeting          string        `mapstructure:"greeting"`
	Apology           string        `mapstructure:"apology"`
	Farewell          string        `mapstructure:"farewell"`
}

// Frontend configures the browser bridge
type Frontend struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Services: Services{
			STTBaseURL:       "http://localhost:8002/a2f",
			ChatBaseURL:      "http://localhost:8002",
			AnimationBaseURL: "http://localhost:8002/a2f",
			Timeout:          30 * time.Second,
			AnimationTimeout: 90 * time.Second,
		},
		Capture: Capture{
			SampleRate:      16000,
			Channels:        1,
			BitDepth:        16,
			VADThreshold:    0.01,
			VADSmoothing:    5,
			VADMaxSilence:   500 * time.Millisecond,
			StopGraceDelay:  2 * time.Second,
			MinUtteranceLen: 8192,
		},
		Wake: Wake{
			KeywordAsset: "static/mithr.ppn",
			ModelAsset:   "static/porcupine_params.pv",
			BaseURL:      "http://localhost:8002",
			InitTimeout:  10 * time.Second,
			ProbeTimeout: 3 * time.Second,
		},
		Playback: Playback{
			FrameRate:   30,
			DecayFactor: 0.1,
		},
		Session: Session{
			InactivityTimeout: 30 * time.Second,
			SettleDelay:       400 * time.Millisecond,
			RetryDelay:        1 * time.Second,
			Greeting:          "Welcome to the University Assistant! How can I help you today?",
			Apology:           "I'm sorry, I'm having trouble accessing the university information right now. Could you try asking again?",
			Farewell:          "Thank you for using the university assistant! Have a great day!",
		},
		Frontend: Frontend{
			ListenAddr: ":8091",
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := Dir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("UNIVOICE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	configDir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("services", cfg.Services)
	viper.Set("capture", cfg.Capture)
	viper.Set("wake", cfg.Wake)
	viper.Set("playback", cfg.Playback)
	viper.Set("session", cfg.Session)
	viper.Set("frontend", cfg.Frontend)

	return viper.WriteConfigAs(filepath.Join(configDir, "config.yaml"))
}

// Dir returns the configuration directory path
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".univoice"), nil
}

// Path returns the config file path, if the directory is resolvable.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
