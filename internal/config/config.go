package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Listen          string
	PGDSN           string
	CaptchaURL      string
	CaptchaSecret   string
	CaptchaBypass   bool
	AllowedOrigins  []string
	DefaultVoteCap  int
	SignalTTL       time.Duration
	SignalCacheSize int
	StoreTimeout    time.Duration
	VerifyTimeout   time.Duration
	SignalTimeout   time.Duration
	SnapshotEvery   time.Duration
	FraudAuditPath  string
	Fraud           FraudConfig
	LogLevel        string
}

// FraudConfig carries the scoring weights and decision thresholds.
type FraudConfig struct {
	MultiAddressWeight  float64
	SharedAddressWeight float64
	BurstWeight         float64
	CoordinateWeight    float64
	BurstWindow         time.Duration
	FlagThreshold       float64
	BlockThreshold      float64
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VOTEPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("vote-cap", 1)
	v.SetDefault("signal-ttl", 25*time.Hour)
	v.SetDefault("signal-cache-size", 200_000)
	v.SetDefault("store-timeout", 3*time.Second)
	v.SetDefault("verify-timeout", 5*time.Second)
	v.SetDefault("signal-timeout", 500*time.Millisecond)
	v.SetDefault("snapshot-every", 10*time.Second)
	v.SetDefault("fraud-audit", "./data/fraud_events.jsonl")
	v.SetDefault("fraud-multi-address-weight", 6.0)
	v.SetDefault("fraud-shared-address-weight", 8.0)
	v.SetDefault("fraud-burst-weight", 15.0)
	v.SetDefault("fraud-coordinate-weight", 3.0)
	v.SetDefault("fraud-burst-window", 5*time.Minute)
	v.SetDefault("fraud-flag-threshold", 5.0)
	v.SetDefault("fraud-block-threshold", 10.0)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Listen:          v.GetString("listen"),
		PGDSN:           v.GetString("pg-dsn"),
		CaptchaURL:      v.GetString("captcha-url"),
		CaptchaSecret:   v.GetString("captcha-secret"),
		CaptchaBypass:   v.GetBool("captcha-bypass"),
		AllowedOrigins:  getStringSlice(v, "allowed-origin"),
		DefaultVoteCap:  v.GetInt("vote-cap"),
		SignalTTL:       v.GetDuration("signal-ttl"),
		SignalCacheSize: v.GetInt("signal-cache-size"),
		StoreTimeout:    v.GetDuration("store-timeout"),
		VerifyTimeout:   v.GetDuration("verify-timeout"),
		SignalTimeout:   v.GetDuration("signal-timeout"),
		SnapshotEvery:   v.GetDuration("snapshot-every"),
		FraudAuditPath:  v.GetString("fraud-audit"),
		Fraud: FraudConfig{
			MultiAddressWeight:  v.GetFloat64("fraud-multi-address-weight"),
			SharedAddressWeight: v.GetFloat64("fraud-shared-address-weight"),
			BurstWeight:         v.GetFloat64("fraud-burst-weight"),
			CoordinateWeight:    v.GetFloat64("fraud-coordinate-weight"),
			BurstWindow:         v.GetDuration("fraud-burst-window"),
			FlagThreshold:       v.GetFloat64("fraud-flag-threshold"),
			BlockThreshold:      v.GetFloat64("fraud-block-threshold"),
		},
		LogLevel: v.GetString("log-level"),
	}

	return cfg, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
