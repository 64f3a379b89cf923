package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"focusbot/internal/timeutil"
)

// Validate checks everything that can be checked without the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		return errors.New("discord.token is required (file or FOCUSBOT_DISCORD_TOKEN)")
	}
	if strings.TrimSpace(cfg.State.Path) == "" {
		return errors.New("state.path is required")
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if _, err := ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout); err != nil {
		return err
	}
	iv, err := cfg.Engines.Intervals()
	if err != nil {
		return err
	}
	if _, _, err := timeutil.ParseHHMM(iv.SummaryAt); err != nil {
		return fmt.Errorf("engines.summary_at: %w", err)
	}
	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
