package core

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

// Built-in strategy type names.
const (
	StrategyDefault                 = "default"
	StrategyUserWithID              = "userWithId"
	StrategyGradualRolloutUserID    = "gradualRolloutUserId"
	StrategyGradualRolloutSessionID = "gradualRolloutSessionId"
	StrategyGradualRolloutRandom    = "gradualRolloutRandom"
	StrategyRemoteAddress           = "remoteAddress"
	StrategyApplicationHostname     = "applicationHostname"
	StrategyFlexibleRollout         = "flexibleRollout"
)

// Stickiness settings with special meaning.
const (
	StickinessDefault = "default"
	StickinessRandom  = "random"
)

// BuiltinOption configures the built-in strategies.
type BuiltinOption func(*builtinConfig)

type builtinConfig struct {
	random   RandomSource
	hostname string
}

// WithRandom replaces the random source used by gradualRolloutRandom and by
// random stickiness.
func WithRandom(random RandomSource) BuiltinOption {
	return func(c *builtinConfig) {
		if random != nil {
			c.random = random
		}
	}
}

// WithHostname fixes the hostname seen by applicationHostname instead of
// resolving it from the operating system.
func WithHostname(hostname string) BuiltinOption {
	return func(c *builtinConfig) { c.hostname = hostname }
}

// DefaultStrategies returns a registry holding every built-in strategy.
func DefaultStrategies(opts ...BuiltinOption) StrategyRegistry {
	cfg := builtinConfig{random: defaultRandom}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.hostname == "" {
		cfg.hostname = resolveHostname()
	}

	return StrategyRegistry{}.With(
		defaultStrategy{},
		userWithIDStrategy{},
		gradualRolloutStrategy{name: StrategyGradualRolloutUserID, field: FieldUserID},
		gradualRolloutStrategy{name: StrategyGradualRolloutSessionID, field: FieldSessionID},
		gradualRolloutRandomStrategy{random: cfg.random},
		remoteAddressStrategy{},
		applicationHostnameStrategy{hostname: strings.ToLower(cfg.hostname)},
		flexibleRolloutStrategy{random: cfg.random},
	)
}

// resolveHostname prefers the HOSTNAME environment variable over the kernel
// hostname.
func resolveHostname() string {
	if hostname := strings.TrimSpace(os.Getenv("HOSTNAME")); hostname != "" {
		return hostname
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "undefined"
	}
	return hostname
}

type defaultStrategy struct{}

func (defaultStrategy) Name() string { return StrategyDefault }

func (defaultStrategy) IsEnabled(Parameters, Context) bool { return true }

type userWithIDStrategy struct{}

func (userWithIDStrategy) Name() string { return StrategyUserWithID }

func (userWithIDStrategy) IsEnabled(params Parameters, ctx Context) bool {
	if ctx.UserID == "" {
		return false
	}
	for _, id := range splitList(params["userIds"]) {
		if id == ctx.UserID {
			return true
		}
	}
	return false
}

type gradualRolloutStrategy struct {
	name  string
	field string
}

func (s gradualRolloutStrategy) Name() string { return s.name }

func (s gradualRolloutStrategy) IsEnabled(params Parameters, ctx Context) bool {
	identifier, ok := ctx.Value(s.field)
	if !ok {
		return false
	}
	percentage, _ := params.Int("percentage")
	return percentage > 0 && NormalizedHash(identifier, params["groupId"], 100) <= percentage
}

type gradualRolloutRandomStrategy struct {
	random RandomSource
}

func (gradualRolloutRandomStrategy) Name() string { return StrategyGradualRolloutRandom }

func (s gradualRolloutRandomStrategy) IsEnabled(params Parameters, _ Context) bool {
	percentage, _ := params.Int("percentage")
	return percentage > 0 && s.random(100) <= percentage
}

type remoteAddressStrategy struct{}

func (remoteAddressStrategy) Name() string { return StrategyRemoteAddress }

func (remoteAddressStrategy) IsEnabled(params Parameters, ctx Context) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ctx.RemoteAddress))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	prefixes, _ := parseIPList(params["IPs"])
	for _, prefix := range prefixes {
		if prefix.Addr().Is4() != addr.Is4() {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (remoteAddressStrategy) ValidateParameters(params Parameters) error {
	_, err := parseIPList(params["IPs"])
	return err
}

// parseIPList parses a comma-separated list of addresses and CIDR ranges.
// Bad entries are skipped and reported together in the returned error.
func parseIPList(raw string) ([]netip.Prefix, error) {
	var (
		prefixes []netip.Prefix
		errs     []error
	)
	for _, entry := range splitList(raw) {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid CIDR %q", entry))
				continue
			}
			prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits())
			prefixes = append(prefixes, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid IP %q", entry))
			continue
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, errors.Join(errs...)
}

type applicationHostnameStrategy struct {
	hostname string
}

func (applicationHostnameStrategy) Name() string { return StrategyApplicationHostname }

func (s applicationHostnameStrategy) IsEnabled(params Parameters, _ Context) bool {
	for _, name := range splitList(params["hostNames"]) {
		if strings.ToLower(name) == s.hostname {
			return true
		}
	}
	return false
}

type flexibleRolloutStrategy struct {
	random RandomSource
}

func (flexibleRolloutStrategy) Name() string { return StrategyFlexibleRollout }

func (s flexibleRolloutStrategy) IsEnabled(params Parameters, ctx Context) bool {
	rollout, _ := params.Int("rollout")
	if rollout <= 0 {
		return false
	}

	identifier, random, ok := resolveStickiness(params["stickiness"], ctx, FieldUserID, FieldSessionID)
	if !ok {
		return false
	}
	if random {
		return s.random(100) <= rollout
	}
	return NormalizedHash(identifier, params["groupId"], 100) <= rollout
}

// resolveStickiness picks the identifier used for bucketing. With "default"
// stickiness the fallback fields are tried in order and a random draw is
// requested when none is present. ok is false when a named field is missing.
func resolveStickiness(stickiness string, ctx Context, fallbacks ...string) (identifier string, random bool, ok bool) {
	switch strings.TrimSpace(stickiness) {
	case "", StickinessDefault:
		for _, field := range fallbacks {
			if value, found := ctx.Value(field); found {
				return value, false, true
			}
		}
		return "", true, true
	case StickinessRandom:
		return "", true, true
	default:
		value, found := ctx.Value(stickiness)
		if !found {
			return "", false, false
		}
		return value, false, true
	}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
