// Package config loads server settings from defaults, an optional config
// file, a .env file and WEREWOLF_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "WEREWOLF"

// Config 服务配置
type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Game      GameConfig
	Audit     AuditConfig
	Telemetry TelemetryConfig
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr string
}

// LLMConfig 模型网关配置
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Temperature    float64
	RequestTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// PhaseConfig 各阶段时长
type PhaseConfig struct {
	Preparation time.Duration
	Night       time.Duration
	Discussion  time.Duration
	Voting      time.Duration
	Hunter      time.Duration
}

// GameConfig 对局配置
type GameConfig struct {
	Mode            string
	Seats           int
	Phase           PhaseConfig
	TurnDelay       time.Duration
	ContextLogs     int
	ContextSpeeches int
	StrictParsing   bool
	ParseAttempts   int
}

// AuditConfig 审计存档配置；Path 为空时不存档
type AuditConfig struct {
	Path string
}

// TelemetryConfig 链路追踪配置；Endpoint 为空时不启用
type TelemetryConfig struct {
	Endpoint string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.request_timeout", 45*time.Second)
	v.SetDefault("llm.max_attempts", 4)
	v.SetDefault("llm.initial_backoff", time.Second)
	v.SetDefault("llm.max_backoff", 30*time.Second)

	v.SetDefault("game.mode", "standard")
	v.SetDefault("game.seats", 9)
	v.SetDefault("game.phase.preparation", 10*time.Second)
	v.SetDefault("game.phase.night", 90*time.Second)
	v.SetDefault("game.phase.discussion", 5*time.Minute)
	v.SetDefault("game.phase.voting", 90*time.Second)
	v.SetDefault("game.phase.hunter", 30*time.Second)
	v.SetDefault("game.turn_delay", 1500*time.Millisecond)
	v.SetDefault("game.context_logs", 12)
	v.SetDefault("game.context_speeches", 10)
	v.SetDefault("game.strict_parsing", false)
	v.SetDefault("game.parse_attempts", 2)

	v.SetDefault("audit.path", "werewolf.db")
	v.SetDefault("telemetry.endpoint", "")
}

// Load reads the configuration. path may be empty; a missing .env is fine.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		Server: ServerConfig{Addr: v.GetString("server.addr")},
		LLM: LLMConfig{
			APIKey:         v.GetString("llm.api_key"),
			BaseURL:        v.GetString("llm.base_url"),
			Model:          v.GetString("llm.model"),
			Temperature:    v.GetFloat64("llm.temperature"),
			RequestTimeout: v.GetDuration("llm.request_timeout"),
			MaxAttempts:    v.GetInt("llm.max_attempts"),
			InitialBackoff: v.GetDuration("llm.initial_backoff"),
			MaxBackoff:     v.GetDuration("llm.max_backoff"),
		},
		Game: GameConfig{
			Mode:  v.GetString("game.mode"),
			Seats: v.GetInt("game.seats"),
			Phase: PhaseConfig{
				Preparation: v.GetDuration("game.phase.preparation"),
				Night:       v.GetDuration("game.phase.night"),
				Discussion:  v.GetDuration("game.phase.discussion"),
				Voting:      v.GetDuration("game.phase.voting"),
				Hunter:      v.GetDuration("game.phase.hunter"),
			},
			TurnDelay:       v.GetDuration("game.turn_delay"),
			ContextLogs:     v.GetInt("game.context_logs"),
			ContextSpeeches: v.GetInt("game.context_speeches"),
			StrictParsing:   v.GetBool("game.strict_parsing"),
			ParseAttempts:   v.GetInt("game.parse_attempts"),
		},
		Audit:     AuditConfig{Path: v.GetString("audit.path")},
		Telemetry: TelemetryConfig{Endpoint: v.GetString("telemetry.endpoint")},
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the game cannot run with.
func (c Config) Validate() error {
	switch c.Game.Mode {
	case "classic", "standard":
	default:
		return fmt.Errorf("game.mode: unknown mode %q", c.Game.Mode)
	}
	if c.Game.Seats < 6 {
		return fmt.Errorf("game.seats: need at least 6, got %d", c.Game.Seats)
	}
	p := c.Game.Phase
	for name, d := range map[string]time.Duration{
		"preparation": p.Preparation, "night": p.Night, "discussion": p.Discussion,
		"voting": p.Voting, "hunter": p.Hunter,
	} {
		if d <= 0 {
			return fmt.Errorf("game.phase.%s: must be positive, got %s", name, d)
		}
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("llm.max_attempts: must be at least 1, got %d", c.LLM.MaxAttempts)
	}
	return nil
}
