// Package config loads polling profiles and renders starter config files.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const HeartbeatProfile = "heartbeat"

var ErrInvalidProfile = errors.New("config: invalid profile")

// PollingProfiles maps a metric name to its polling interval in milliseconds.
type PollingProfiles struct {
	Profiles map[string]uint64
}

// LoadProfiles reads a profile file from disk.
func LoadProfiles(path string) (PollingProfiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PollingProfiles{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	profiles, err := ParseProfiles(data)
	if err != nil {
		return PollingProfiles{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return profiles, nil
}

// ParseProfiles accepts either a [profiles] table or bare top-level
// name = interval_ms entries. Mixing both is allowed; the table wins.
func ParseProfiles(data []byte) (PollingProfiles, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return PollingProfiles{}, err
	}
	out := PollingProfiles{Profiles: map[string]uint64{}}
	for key, value := range raw {
		if key == "profiles" {
			continue
		}
		interval, err := intervalValue(key, value)
		if err != nil {
			return PollingProfiles{}, err
		}
		out.Profiles[key] = interval
	}
	if table, ok := raw["profiles"]; ok {
		entries, ok := table.(map[string]any)
		if !ok {
			return PollingProfiles{}, fmt.Errorf("%w: profiles must be a table", ErrInvalidProfile)
		}
		for key, value := range entries {
			interval, err := intervalValue(key, value)
			if err != nil {
				return PollingProfiles{}, err
			}
			out.Profiles[key] = interval
		}
	}
	return out, nil
}

func intervalValue(key string, value any) (uint64, error) {
	name := strings.TrimSpace(key)
	if name == "" {
		return 0, fmt.Errorf("%w: empty profile name", ErrInvalidProfile)
	}
	n, ok := value.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: %s interval must be an integer, got %T", ErrInvalidProfile, name, value)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s interval must be positive", ErrInvalidProfile, name)
	}
	return uint64(n), nil
}

// Interval returns the named profile as a duration.
func (p PollingProfiles) Interval(name string) (time.Duration, bool) {
	ms, ok := p.Profiles[name]
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// HeartbeatInterval returns the heartbeat profile or fallback.
func (p PollingProfiles) HeartbeatInterval(fallback time.Duration) time.Duration {
	if d, ok := p.Interval(HeartbeatProfile); ok {
		return d
	}
	return fallback
}

func (p PollingProfiles) Names() []string {
	names := make([]string, 0, len(p.Profiles))
	for name := range p.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
