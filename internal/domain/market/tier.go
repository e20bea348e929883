package market

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier is the urgency classification governing how often a subscription's
// updates are forwarded. Lower values are more urgent.
type Tier int

const (
	// TierCritical is actively viewed and never throttled.
	TierCritical Tier = iota
	// TierHigh covers held positions.
	TierHigh
	// TierMedium covers watchlist symbols.
	TierMedium
	// TierLow covers background data such as option chains.
	TierLow
	// TierPaused delivers nothing.
	TierPaused
)

// Tiers lists every tier from most to least urgent.
var Tiers = []Tier{TierCritical, TierHigh, TierMedium, TierLow, TierPaused}

var tierNames = map[Tier]string{
	TierCritical: "critical",
	TierHigh:     "high",
	TierMedium:   "medium",
	TierLow:      "low",
	TierPaused:   "paused",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Valid reports whether t is a declared tier.
func (t Tier) Valid() bool {
	return t >= TierCritical && t <= TierPaused
}

// MoreUrgent reports whether t outranks other.
func (t Tier) MoreUrgent(other Tier) bool {
	return t < other
}

// MinTier returns the most urgent of the provided tiers, or TierPaused when empty.
func MinTier(tiers ...Tier) Tier {
	best := TierPaused
	for _, t := range tiers {
		if t < best {
			best = t
		}
	}
	return best
}

// DefaultTier is the tier restored for a segment when nothing better is known.
func DefaultTier(segment Segment) Tier {
	if segment == SegmentOption {
		return TierLow
	}
	return TierMedium
}

// ParseTier resolves a tier name such as "high".
func ParseTier(name string) (Tier, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for tier, label := range tierNames {
		if label == key {
			return tier, nil
		}
	}
	return TierPaused, fmt.Errorf("unknown tier %q", name)
}

// MarshalText encodes the tier as its name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// UnmarshalYAML lets config files refer to tiers by name.
func (t *Tier) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		return nil
	}
	return t.UnmarshalText([]byte(node.Value))
}
