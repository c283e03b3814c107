package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks a parsed config for the mistakes that would otherwise
// surface mid-build: duplicate stage ids, empty commands, board names
// that collide with the metadata store's reserved delimiter.
func Validate(cfg *Config) error {
	b := &cfg.Bot
	if b.Name == "" {
		return fmt.Errorf("config: bot.name is required")
	}

	for _, board := range b.Boards {
		if strings.Contains(board, ":") {
			return fmt.Errorf("config: board name %q must not contain ':'", board)
		}
	}

	seen := make(map[string]bool)
	for i := range b.Stages {
		s := &b.Stages[i]
		if s.ID == "" {
			return fmt.Errorf("config: stage %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate stage id %q", s.ID)
		}
		seen[s.ID] = true

		switch s.Type {
		case "command":
			if s.Command == "" {
				return fmt.Errorf("config: stage %q has no command", s.ID)
			}
		case "sync":
			// command optional: an empty sync stage is a no-op sync
		default:
			return fmt.Errorf("config: stage %q has unknown type %q", s.ID, s.Type)
		}

		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fmt.Errorf("config: stage %q has bad timeout: %w", s.ID, err)
			}
		}
		if s.PerBoard && len(b.Boards) == 0 {
			return fmt.Errorf("config: stage %q is per_board but no boards are configured", s.ID)
		}
	}
	return nil
}
