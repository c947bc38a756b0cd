package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/shinji-kodama/ssrport/internal/model"
)

// DefaultHost is the loopback address probes bind to, so a check never
// needs external network access.
const DefaultHost = "127.0.0.1"

// Listener opens a listening socket. *net.ListenConfig satisfies it; tests
// swap in fakes to control which ports look busy.
type Listener interface {
	Listen(ctx context.Context, network, address string) (net.Listener, error)
}

// Prober checks whether TCP ports are free on the loopback interface.
//
// A Prober only holds configuration that is fixed at construction, so it is
// safe for concurrent use. Each probe owns its socket for the duration of
// the call and releases it before returning.
type Prober struct {
	// host is the address probes bind to (DefaultHost unless overridden).
	host string

	// policy decides what FindAvailablePort returns on exhaustion.
	policy model.ExhaustionPolicy

	// listener creates the probe sockets.
	listener Listener

	// reserved ports are reported unavailable without a bind.
	reserved *ReservedSet

	logger *zap.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithHost overrides the bind address. An empty host keeps DefaultHost.
func WithHost(host string) Option {
	return func(p *Prober) {
		if host != "" {
			p.host = host
		}
	}
}

// WithPolicy sets the exhaustion policy. Invalid values are ignored and the
// default policy stays in place.
func WithPolicy(policy model.ExhaustionPolicy) Option {
	return func(p *Prober) {
		if policy.IsValid() {
			p.policy = policy
		}
	}
}

// WithListener replaces the socket factory.
func WithListener(l Listener) Option {
	return func(p *Prober) {
		if l != nil {
			p.listener = l
		}
	}
}

// WithReuseAddr toggles SO_REUSEADDR on probe sockets. It is on by default.
// It has no effect when a custom Listener was supplied before it.
func WithReuseAddr(enabled bool) Option {
	return func(p *Prober) {
		if lc, ok := p.listener.(*net.ListenConfig); ok {
			if enabled {
				lc.Control = reuseAddrControl
			} else {
				lc.Control = nil
			}
		}
	}
}

// WithReserved marks ports that must never be returned.
func WithReserved(set *ReservedSet) Option {
	return func(p *Prober) {
		p.reserved = set
	}
}

// WithLogger attaches a logger. Probe failures other than "in use" are
// logged at debug level; exhaustion is logged as a warning.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Prober) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProber creates a Prober bound to 127.0.0.1 with SO_REUSEADDR enabled
// and the default exhaustion policy.
func NewProber(opts ...Option) *Prober {
	p := &Prober{
		host:     DefaultHost,
		policy:   model.DefaultPolicy,
		listener: &net.ListenConfig{Control: reuseAddrControl},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Policy returns the exhaustion policy chosen at construction.
func (p *Prober) Policy() model.ExhaustionPolicy {
	return p.policy
}

// Host returns the address probes bind to.
func (p *Prober) Host() string {
	return p.host
}

// Probe attempts a bind on host:port and reports why it failed, if it did.
//
// Returned errors:
//   - nil: the bind succeeded, so the port was free
//   - model.ErrPortOutOfRange: port is outside 1-65535
//   - model.ErrPortReserved: the port is in the reserved set
//   - model.ErrPortInUse: another socket holds the address
//   - *model.ProbeIOError: any other socket failure
//
// The socket is closed on every path.
func (p *Prober) Probe(ctx context.Context, port int) error {
	if !model.IsValidPort(port) {
		return fmt.Errorf("%w: %d", model.ErrPortOutOfRange, port)
	}
	if p.reserved.Contains(port) {
		return fmt.Errorf("%w: %d", model.ErrPortReserved, port)
	}

	addr := net.JoinHostPort(p.host, strconv.Itoa(port))
	ln, err := p.listener.Listen(ctx, "tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("%w: %s", model.ErrPortInUse, addr)
		}
		return &model.ProbeIOError{Port: port, Err: err}
	}
	defer func() { _ = ln.Close() }()
	return nil
}

// IsPortAvailable reports whether port can be bound on the probe host right
// now. A busy port is an expected outcome, not an error, so every failure
// (including an out-of-range port) simply yields false.
func (p *Prober) IsPortAvailable(ctx context.Context, port int) bool {
	err := p.Probe(ctx, port)
	var ioErr *model.ProbeIOError
	if errors.As(err, &ioErr) {
		p.logger.Debug("probe failed", zap.Int("port", port), zap.Error(ioErr.Err))
	}
	return err == nil
}

// FindAvailablePort searches [startPort, startPort+maxAttempts-1] in order
// and returns the first free port, applying the Prober's exhaustion policy
// when none is free.
func (p *Prober) FindAvailablePort(ctx context.Context, startPort, maxAttempts int) (model.ProbeResult, error) {
	return p.Search(ctx, model.ProbeConfig{
		StartPort:   startPort,
		MaxAttempts: maxAttempts,
		Policy:      p.policy,
	})
}

// Search runs one bounded, sequential search described by cfg. An empty
// cfg.Policy falls back to the Prober's policy.
//
// Port N+1 is never probed before port N's result is known. The range is
// clamped at 65535. Individual probe failures never abort the search; only
// exhaustion or a done ctx end it early.
func (p *Prober) Search(ctx context.Context, cfg model.ProbeConfig) (model.ProbeResult, error) {
	if err := cfg.Validate(); err != nil {
		return model.ProbeResult{}, err
	}
	policy := cfg.Policy
	if policy == "" {
		policy = p.policy
	}

	last := cfg.LastCandidate()
	attempts := 0
	for candidate := cfg.StartPort; candidate <= last; candidate++ {
		if err := ctx.Err(); err != nil {
			return model.ProbeResult{Attempts: attempts},
				fmt.Errorf("port search from %d stopped after %d attempts: %w", cfg.StartPort, attempts, err)
		}
		attempts++

		if p.IsPortAvailable(ctx, candidate) {
			p.logger.Debug("found available port",
				zap.Int("port", candidate),
				zap.Int("start_port", cfg.StartPort),
				zap.Int("attempts", attempts))
			return model.ProbeResult{Port: candidate, Found: true, Attempts: attempts}, nil
		}
	}

	p.logger.Warn("port search exhausted",
		zap.Int("start_port", cfg.StartPort),
		zap.Int("attempts", attempts),
		zap.String("policy", policy.String()))

	if policy == model.PolicyFallback {
		return model.ProbeResult{Port: cfg.StartPort, Found: false, Attempts: attempts}, nil
	}
	return model.ProbeResult{Attempts: attempts},
		&model.SearchExhaustedError{StartPort: cfg.StartPort, Attempts: attempts}
}

// UsedPort is a port a search would skip, with the Probe error saying why.
type UsedPort struct {
	Port int
	Err  error
}

// UsedPorts probes every port in [startPort, endPort] (inclusive, clamped
// to 1-65535) and returns the unavailable ones, reserved ports included.
// A done ctx ends the scan early with the ports seen so far.
func (p *Prober) UsedPorts(ctx context.Context, startPort, endPort int) []UsedPort {
	if startPort < model.MinPort {
		startPort = model.MinPort
	}
	if endPort > model.MaxPort {
		endPort = model.MaxPort
	}

	var used []UsedPort
	for candidate := startPort; candidate <= endPort; candidate++ {
		if ctx.Err() != nil {
			break
		}
		if err := p.Probe(ctx, candidate); err != nil {
			used = append(used, UsedPort{Port: candidate, Err: err})
		}
	}
	return used
}
