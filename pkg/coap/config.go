package coap

import (
	"fmt"
	"time"
)

// Config holds every tunable of a Client/Endpoint. It is built once from a
// slice of Opt and never mutated afterward, mirroring franz-go's kgo.Opt
// functional-options convention (inferred from cfg.* field access
// throughout teacher's broker.go — see DESIGN.md).
type Config struct {
	ackTimeout      time.Duration
	ackRandomFactor float64
	maxRetransmit   int
	exchangeTimeout time.Duration
	blockSize       int // 0 means "no default"; spec.md §6

	strictBlockGrowth bool // spec.md §9 Open Question: default true

	logger Logger
	clock  Clock
	rng    RNG
	hooks  hookList
}

// Opt configures a Config; see With* functions below.
type Opt interface {
	apply(*Config)
}

type opFunc func(*Config)

func (f opFunc) apply(c *Config) { f(c) }

// WithAckTimeout overrides the initial retransmit timer lower bound
// (spec.md §6 `ackTimeout`, default 2000ms).
func WithAckTimeout(d time.Duration) Opt {
	return opFunc(func(c *Config) { c.ackTimeout = d })
}

// WithAckRandomFactor overrides the jitter multiplier applied to
// ackTimeout (spec.md §6 `ackRandomFactor`, default 1.5, must be >= 1.0).
func WithAckRandomFactor(f float64) Opt {
	return opFunc(func(c *Config) { c.ackRandomFactor = f })
}

// WithMaxRetransmit overrides the retransmission budget (spec.md §6
// `maxRetransmit`, default 4).
func WithMaxRetransmit(n int) Opt {
	return opFunc(func(c *Config) { c.maxRetransmit = n })
}

// WithExchangeTimeout overrides the exchange-lifetime timer (spec.md §6
// `exchangeTimeout`, default 247000ms).
func WithExchangeTimeout(d time.Duration) Opt {
	return opFunc(func(c *Config) { c.exchangeTimeout = d })
}

// WithBlockSize sets the default block size hint (spec.md §6 `blockSize`)
// used when a request is submitted without one explicitly.
func WithBlockSize(n int) Opt {
	return opFunc(func(c *Config) { c.blockSize = n })
}

// WithStrictBlockGrowth selects the spec's literal default policy for
// server-requested SZX growth: ignore it and let exchangeTimeout fire
// (spec.md §4.E, §9 Open Question).
func WithStrictBlockGrowth() Opt {
	return opFunc(func(c *Config) { c.strictBlockGrowth = true })
}

// WithRFCBlockGrowth opts into RFC 7959 §2.5's SHOULD: follow the server's
// larger SZX instead of ignoring it (spec.md §9 Open Question).
func WithRFCBlockGrowth() Opt {
	return opFunc(func(c *Config) { c.strictBlockGrowth = false })
}

// WithLogger installs a Logger; the default discards everything.
func WithLogger(l Logger) Opt {
	return opFunc(func(c *Config) { c.logger = l })
}

// WithClock installs a Clock; the default is a RealClock.
func WithClock(cl Clock) Opt {
	return opFunc(func(c *Config) { c.clock = cl })
}

// WithRNG installs an RNG; the default is crypto/rand-backed.
func WithRNG(r RNG) Opt {
	return opFunc(func(c *Config) { c.rng = r })
}

// WithHooks registers one or more endpoint-wide Hooks (hooks.go).
func WithHooks(hs ...Hook) Opt {
	return opFunc(func(c *Config) { c.hooks = append(c.hooks, hs...) })
}

// defaultConfig returns the spec.md §6 defaults before any Opt is applied.
func defaultConfig() Config {
	return Config{
		ackTimeout:        2000 * time.Millisecond,
		ackRandomFactor:   1.5,
		maxRetransmit:     4,
		exchangeTimeout:   247 * time.Second,
		strictBlockGrowth: true,
		logger:            nopLogger{},
		clock:             NewRealClock(),
		rng:               DefaultRNG(),
	}
}

// newConfig builds and validates a Config from opts.
func newConfig(opts ...Opt) (Config, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ackTimeout <= 0 {
		return fmt.Errorf("coap: ackTimeout must be positive, got %v", c.ackTimeout)
	}
	if c.ackRandomFactor < 1.0 {
		return fmt.Errorf("coap: ackRandomFactor must be >= 1.0, got %v", c.ackRandomFactor)
	}
	if c.maxRetransmit < 0 {
		return fmt.Errorf("coap: maxRetransmit must be >= 0, got %d", c.maxRetransmit)
	}
	if c.exchangeTimeout <= 0 {
		return fmt.Errorf("coap: exchangeTimeout must be positive, got %v", c.exchangeTimeout)
	}
	if c.blockSize != 0 {
		if _, err := SZXFromSize(c.blockSize); err != nil {
			return fmt.Errorf("coap: invalid blockSize %d: %w", c.blockSize, err)
		}
	}
	return nil
}
