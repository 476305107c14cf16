package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	LiveKit     LiveKitConfig     `mapstructure:"livekit"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Expire int    `mapstructure:"expire"` // hours
}

type LiveKitConfig struct {
	Host          string `mapstructure:"host"`
	APIKey        string `mapstructure:"apiKey"`
	APISecret     string `mapstructure:"apiSecret"`
	TokenTTLMins  int    `mapstructure:"tokenTtlMinutes"`
	DeleteOnEnded bool   `mapstructure:"deleteRoomOnEnded"`
}

// MatchmakingConfig holds the tunables the source design leaves open:
// wait/join windows are deliberately configuration, not constants.
type MatchmakingConfig struct {
	MaxWaitSeconds      int `mapstructure:"maxWaitSeconds"`
	JoinTimeoutSeconds  int `mapstructure:"joinTimeoutSeconds"`
	SweepIntervalMillis int `mapstructure:"sweepIntervalMillis"`
	CandidateLimit      int `mapstructure:"candidateLimit"`
	TokenRetryAttempts  int `mapstructure:"tokenRetryAttempts"`
	TokenRetryBackoffMS int `mapstructure:"tokenRetryBackoffMillis"`
	RetentionMinutes    int `mapstructure:"retentionMinutes"`
}

func (m MatchmakingConfig) MaxWait() time.Duration {
	return time.Duration(m.MaxWaitSeconds) * time.Second
}

func (m MatchmakingConfig) JoinTimeout() time.Duration {
	return time.Duration(m.JoinTimeoutSeconds) * time.Second
}

func (m MatchmakingConfig) SweepInterval() time.Duration {
	return time.Duration(m.SweepIntervalMillis) * time.Millisecond
}

func (m MatchmakingConfig) TokenRetryBackoff() time.Duration {
	return time.Duration(m.TokenRetryBackoffMS) * time.Millisecond
}

func (m MatchmakingConfig) Retention() time.Duration {
	return time.Duration(m.RetentionMinutes) * time.Minute
}

var GlobalConfig *Config

func LoadConfig(path string) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	viper.SetDefault("matchmaking.maxWaitSeconds", 60)
	viper.SetDefault("matchmaking.joinTimeoutSeconds", 20)
	viper.SetDefault("matchmaking.sweepIntervalMillis", 500)
	viper.SetDefault("matchmaking.candidateLimit", 32)
	viper.SetDefault("matchmaking.tokenRetryAttempts", 3)
	viper.SetDefault("matchmaking.tokenRetryBackoffMillis", 200)
	viper.SetDefault("matchmaking.retentionMinutes", 1440)
	viper.SetDefault("livekit.tokenTtlMinutes", 30)

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file, %s", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}
	GlobalConfig = &cfg
}
