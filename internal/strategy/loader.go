package strategy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// FileEntry is one strategy definition in the seed file.
type FileEntry struct {
	UserEmail string `yaml:"user_email"`
	Name      string `yaml:"name"`
	Timeframe string `yaml:"timeframe"`
	Type      string `yaml:"type"`
	IsActive  bool   `yaml:"is_active"`
	Config    Config `yaml:"config"`
}

type seedFile struct {
	Strategies []FileEntry `yaml:"strategies"`
}

// Seeder upserts definitions without touching activation of existing rows.
type Seeder interface {
	SeedStrategy(ctx context.Context, rec Record) error
}

// LoadConfigFile reads strategy definitions from a YAML file. A missing file
// yields no entries.
func LoadConfigFile(path string) ([]FileEntry, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Strategies, nil
}

// SeedStore writes file entries to the store. Invalid entries are reported
// together and the valid ones are still written. Entries without a user get
// defaultUser.
func SeedStore(ctx context.Context, s Seeder, entries []FileEntry, defaultUser string) (int, error) {
	var errs error
	n := 0
	for _, en := range entries {
		cfg := en.Config
		if en.Type != "" {
			cfg.Type = en.Type
		}
		cfg.applyDefaults()
		if err := cfg.Validate(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s@%s: %w", en.Name, en.Timeframe, err))
			continue
		}
		if en.Name == "" || en.Timeframe == "" {
			errs = multierr.Append(errs, fmt.Errorf("%w: entry without name or timeframe", ErrInvalidConfig))
			continue
		}
		raw, err := marshalConfig(cfg)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		user := strings.ToLower(en.UserEmail)
		if user == "" {
			user = defaultUser
		}
		rec := Record{
			UserEmail: user,
			Key:       Key{Name: en.Name, Timeframe: en.Timeframe},
			Type:      cfg.Type,
			Config:    raw,
			IsActive:  en.IsActive,
		}
		if err := s.SeedStrategy(ctx, rec); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("seed %s: %w", rec.Key, err))
			continue
		}
		n++
	}
	return n, errs
}
