package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings.
const (
	EnvAPIKey      = "QUOTESTREAM_API_KEY"
	EnvDatabaseDSN = "QUOTESTREAM_DATABASE_DSN"
	EnvPrincipal   = "QUOTESTREAM_PRINCIPAL"
	EnvName        = "QUOTESTREAM_ENV"
)

// LoadDotEnv populates the process environment from the given files, ".env"
// when none are named. Missing files are ignored and variables already set
// are kept.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if v, ok := lookupTrimmed(lookup, EnvAPIKey); ok {
		c.Stream.APIKey = v
		c.REST.APIKey = v
	}
	if v, ok := lookupTrimmed(lookup, EnvDatabaseDSN); ok {
		c.Database.DSN = v
	}
	if v, ok := lookupTrimmed(lookup, EnvPrincipal); ok {
		c.Principal = v
	}
	if v, ok := lookupTrimmed(lookup, EnvName); ok {
		c.Environment = Environment(v)
	}
}

func lookupTrimmed(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
