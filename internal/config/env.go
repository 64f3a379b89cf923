package config

import "github.com/kelseyhightower/envconfig"

// envOverrides are secrets and host-specific settings that should not live in
// the config file. They are read with the FOCUSBOT_ prefix, e.g.
// FOCUSBOT_DISCORD_TOKEN.
type envOverrides struct {
	DiscordToken string `envconfig:"DISCORD_TOKEN"`
	MetricsAddr  string `envconfig:"METRICS_ADDR"`
	StatePath    string `envconfig:"STATE_PATH"`
}

func applyEnvOverrides(cfg *Config) error {
	var e envOverrides
	if err := envconfig.Process("focusbot", &e); err != nil {
		return err
	}
	if e.DiscordToken != "" {
		cfg.Discord.Token = e.DiscordToken
	}
	if e.MetricsAddr != "" {
		cfg.Metrics.Addr = e.MetricsAddr
	}
	if e.StatePath != "" {
		cfg.State.Path = e.StatePath
	}
	return nil
}
