package streamer

import "time"

const (
	defaultDiscoveryPeriod    = 10 * time.Second
	defaultActivationBudget   = 15 * time.Second
	defaultBackoffBase        = 100 * time.Millisecond
	defaultBackoffCap         = 1500 * time.Millisecond
	defaultStopOnMissingPings = false

	// wsPort is the fixed control port advertised by every streamer per
	// spec.md §6; it is not exposed as a public Option since real devices
	// do not vary it. Tests in this package override it directly.
	defaultWSPort = 80
)

// Config contains configurable options for the StreamerManager.
type Config struct {
	discoveryPeriod    time.Duration
	activationBudget   time.Duration
	backoffBase        time.Duration
	backoffCap         time.Duration
	stopOnMissingPings bool
	wsPort             int
}

// Option overrides a configurable StreamerManager option.
type Option func(*Config)

// WithDiscoveryPeriod sets how often the manager re-runs discovery while
// no device is activating or active.
func WithDiscoveryPeriod(d time.Duration) Option {
	return func(c *Config) { c.discoveryPeriod = d }
}

// WithActivationBudget overrides the total wall-clock budget for the
// activation retry loop (default 15s per spec.md §4.1).
func WithActivationBudget(d time.Duration) Option {
	return func(c *Config) { c.activationBudget = d }
}

// WithBackoff overrides the exponential backoff base and cap used between
// activation attempts.
func WithBackoff(base, backoffCap time.Duration) Option {
	return func(c *Config) { c.backoffBase = base; c.backoffCap = backoffCap }
}

// WithPingMissingWatchdog enables the optional ping-missing watchdog on
// every spawned WebSocketSession. Production configuration leaves this
// disabled.
func WithPingMissingWatchdog(enabled bool) Option {
	return func(c *Config) { c.stopOnMissingPings = enabled }
}

func parseConfig(opts []Option) *Config {
	c := &Config{
		discoveryPeriod:    defaultDiscoveryPeriod,
		activationBudget:   defaultActivationBudget,
		backoffBase:        defaultBackoffBase,
		backoffCap:         defaultBackoffCap,
		stopOnMissingPings: defaultStopOnMissingPings,
		wsPort:             defaultWSPort,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// backoffDelay returns the exponential backoff delay for the given
// 0-indexed attempt, per spec.md §4.1: attempt 0 sleeps zero, thereafter
// min(base*2^(attempt-1), cap). Sequence with the defaults: 0, 100, 200,
// 400, 800, 1500, 1500, ...
func backoffDelay(c *Config, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := c.backoffBase
	for i := 0; i < attempt-1; i++ {
		d *= 2
		if d >= c.backoffCap {
			return c.backoffCap
		}
	}
	if d > c.backoffCap {
		return c.backoffCap
	}
	return d
}
