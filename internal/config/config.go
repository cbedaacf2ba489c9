// Package config loads settings from an optional YAML file, a .env file and the environment,
// in that order of increasing precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

type AssemblyAIConfig struct {
	APIKey         string   `yaml:"api_key"`
	RealtimeURL    string   `yaml:"realtime_url"`
	TokenURL       string   `yaml:"token_url"`
	TokenExpiresIn int      `yaml:"token_expires_in"` // seconds
	WordBoost      []string `yaml:"word_boost"`
	// EndUtteranceSilenceThresholdMs of 0 keeps the service default.
	EndUtteranceSilenceThresholdMs int `yaml:"end_utterance_silence_threshold_ms"`
}

type AudioConfig struct {
	SampleRate      int  `yaml:"sample_rate"`
	ChunkDurationMs int  `yaml:"chunk_duration_ms"`
	FlushOnStop     bool `yaml:"flush_on_stop"`
}

func (a AudioConfig) ChunkDuration() time.Duration {
	return time.Duration(a.ChunkDurationMs) * time.Millisecond
}

type PlaybackConfig struct {
	Volume float64 `yaml:"volume"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type OpenAIConfig struct {
	APIKey   string `yaml:"api_key"`
	Language string `yaml:"language"`
}

type Config struct {
	AssemblyAI AssemblyAIConfig `yaml:"assemblyai"`
	Audio      AudioConfig      `yaml:"audio"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
}

func Default() Config {
	return Config{
		AssemblyAI: AssemblyAIConfig{
			RealtimeURL:    "wss://api.assemblyai.com/v2/realtime/ws",
			TokenURL:       "https://api.assemblyai.com/v2/realtime/token",
			TokenExpiresIn: 3600,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			ChunkDurationMs: 100,
		},
		Playback: PlaybackConfig{Volume: 0.5},
		Server:   ServerConfig{Bind: ":8081"},
		Log:      LogConfig{Level: "info"},
		OpenAI:   OpenAIConfig{Language: "en"},
	}
}

// Load reads configPath (skipped when empty) and dotEnvPath (skipped when missing),
// applies environment overrides and validates the result.
func Load(fs afero.Fs, configPath string, dotEnvPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := afero.ReadFile(fs, configPath)
		if err != nil {
			return cfg, errors.Wrapf(err, "cannot read config file %s", configPath)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "cannot parse config file %s", configPath)
		}
	}

	if dotEnvPath != "" {
		if err := loadDotEnv(fs, dotEnvPath); err != nil {
			return cfg, err
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "config validation failed")
	}
	return cfg, nil
}

// loadDotEnv sets variables from a .env file unless they are already set, like godotenv.Load.
func loadDotEnv(fs afero.Fs, path string) error {
	file, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "cannot open %s", path)
	}
	defer file.Close()

	values, err := godotenv.Parse(file)
	if err != nil {
		return errors.Wrapf(err, "cannot parse %s", path)
	}
	for key, value := range values {
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return errors.Wrapf(err, "cannot set %s", key)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.AssemblyAI.APIKey, "ASSEMBLYAI_API_KEY")
	overrideString(&cfg.AssemblyAI.RealtimeURL, "ASSEMBLYAI_REALTIME_URL")
	overrideString(&cfg.AssemblyAI.TokenURL, "ASSEMBLYAI_TOKEN_URL")
	overrideInt(&cfg.AssemblyAI.TokenExpiresIn, "ASSEMBLYAI_TOKEN_EXPIRES_IN")
	overrideStringSlice(&cfg.AssemblyAI.WordBoost, "ASSEMBLYAI_WORD_BOOST")
	overrideInt(&cfg.AssemblyAI.EndUtteranceSilenceThresholdMs, "ASSEMBLYAI_END_UTTERANCE_SILENCE_THRESHOLD_MS")
	overrideInt(&cfg.Audio.SampleRate, "RT_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.ChunkDurationMs, "RT_AUDIO_CHUNK_DURATION_MS")
	overrideBool(&cfg.Audio.FlushOnStop, "RT_AUDIO_FLUSH_ON_STOP")
	overrideFloat(&cfg.Playback.Volume, "RT_PLAYBACK_VOLUME")
	overrideString(&cfg.Server.Bind, "RT_SERVER_BIND")
	overrideString(&cfg.Log.Level, "RT_LOG_LEVEL")
	overrideString(&cfg.OpenAI.APIKey, "OPEN_AI_API_KEY")
	overrideString(&cfg.OpenAI.Language, "OPEN_AI_LANGUAGE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*target = items
	}
}

func (c Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return errors.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.ChunkDurationMs <= 0 {
		return errors.Errorf("audio.chunk_duration_ms must be positive, got %d", c.Audio.ChunkDurationMs)
	}
	if c.Playback.Volume < 0 || c.Playback.Volume > 1 {
		return errors.Errorf("playback.volume must be within [0, 1], got %v", c.Playback.Volume)
	}
	if c.AssemblyAI.TokenExpiresIn <= 0 {
		return errors.Errorf("assemblyai.token_expires_in must be positive, got %d", c.AssemblyAI.TokenExpiresIn)
	}
	if c.AssemblyAI.EndUtteranceSilenceThresholdMs < 0 {
		return errors.Errorf("assemblyai.end_utterance_silence_threshold_ms cannot be negative, got %d", c.AssemblyAI.EndUtteranceSilenceThresholdMs)
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log.level must be one of trace, debug, info, warn, error, got %q", c.Log.Level)
	}
	return nil
}

// RequireAssemblyAIKey is for commands that talk to the realtime service.
func (c Config) RequireAssemblyAIKey() error {
	if c.AssemblyAI.APIKey == "" {
		return errors.New("ASSEMBLYAI_API_KEY is not set (env, .env or assemblyai.api_key)")
	}
	return nil
}
