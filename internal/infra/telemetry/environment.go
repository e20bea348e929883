package telemetry

import (
	"strings"
	"sync/atomic"
)

const fallbackEnvironment = "development"

var environment atomic.Pointer[string]

// SetEnvironment sets the environment label attached to every metric.
func SetEnvironment(env string) {
	normalized := normalizeEnvironment(env)
	environment.Store(&normalized)
}

// Environment returns the metric environment label, "development" when unset.
func Environment() string {
	if env := environment.Load(); env != nil && *env != "" {
		return *env
	}
	return fallbackEnvironment
}

func normalizeEnvironment(env string) string {
	return strings.ToLower(strings.TrimSpace(env))
}
