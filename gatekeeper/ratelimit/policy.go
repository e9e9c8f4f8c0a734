package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Policy is the per action class limit: at most Max actions per Window.
type Policy struct {
	Window time.Duration
	Max    int
}

func (p Policy) String() string {
	return fmt.Sprintf("%s:%d", p.Window, p.Max)
}

// ParsePolicies parses config entries of the form "class=window:max", eg "message=60s:5". Later entries for the same class replace earlier ones.
func ParsePolicies(entries []string) (map[string]Policy, error) {
	out := make(map[string]Policy, len(entries))
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		class, limit, ok := strings.Cut(raw, "=")
		if !ok || class == "" {
			return nil, fmt.Errorf("%w: expected class=window:max, got %q", ErrInvalidPolicy, raw)
		}
		win, maxStr, ok := strings.Cut(limit, ":")
		if !ok {
			return nil, fmt.Errorf("%w: expected class=window:max, got %q", ErrInvalidPolicy, raw)
		}
		d, err := time.ParseDuration(win)
		if err != nil {
			return nil, fmt.Errorf("%w: window in %q: %w", ErrInvalidPolicy, raw, err)
		}
		if d.Milliseconds() <= 0 {
			return nil, fmt.Errorf("%w: window must be at least 1ms in %q", ErrInvalidPolicy, raw)
		}
		n, err := strconv.Atoi(maxStr)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: max in %q", ErrInvalidPolicy, raw)
		}
		out[strings.TrimSpace(class)] = Policy{Window: d, Max: n}
	}
	return out, nil
}
