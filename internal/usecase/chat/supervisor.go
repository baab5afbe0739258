package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"openclawchat/internal/domain"
)

// Default reconnect settings.
const (
	defaultMinInterval time.Duration = time.Second
	defaultMaxFailures uint32        = 5
	defaultOpenTimeout time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// DialFunc opens a connected, authenticated gateway connection.
type DialFunc func(ctx context.Context) (Conn, error)

// SupervisorConfig configures reconnect pacing.
type SupervisorConfig struct {
	// MinInterval is the minimum spacing between dial attempts.
	MinInterval time.Duration `yaml:"min_interval"`
	// MaxFailures is the number of consecutive failed dials before the
	// circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// OpenTimeout is how long the circuit stays open before a trial dial.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// Interval clears the failure count periodically while closed.
	Interval time.Duration `yaml:"interval"`
}

// Supervisor keeps a Session attached to a live connection. It redials after
// every connection loss, paced by a rate limiter and a circuit breaker that
// stops hammering a gateway that keeps refusing.
type Supervisor struct {
	dial    DialFunc
	session *Session
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[Conn]
	logger  *slog.Logger
	conns   atomic.Int64
}

// NewSupervisor creates a supervisor. Zero config fields take defaults.
func NewSupervisor(dial DialFunc, session *Session, cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout == 0 {
		openTimeout = defaultOpenTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}

	cb := gobreaker.NewCircuitBreaker[Conn](gobreaker.Settings{
		Name:        "gateway-dial",
		MaxRequests: 1, // one trial dial while half-open
		Interval:    interval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	session.supervise()
	return &Supervisor{
		dial:    dial,
		session: session,
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		breaker: cb,
		logger:  logger,
	}
}

// Run dials, attaches and waits for loss until ctx is cancelled, returning
// nil. It returns early with the dial error when the gateway rejects the
// client with a non-retryable error, since redialing cannot fix that.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		conn, err := s.breaker.Execute(func() (Conn, error) {
			return s.dial(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				s.logger.Debug("gateway dial skipped, circuit open")
				continue
			}
			if !domain.IsRetryableError(err) {
				s.logger.Error("gateway rejected connection", "error", err)
				return err
			}
			s.logger.Warn("gateway dial failed", "error", err)
			continue
		}

		n := s.conns.Add(1)
		s.session.Attach(conn)
		s.logger.Info("gateway session attached", "connection", n)

		select {
		case <-conn.Done():
			s.logger.Warn("gateway connection lost", "connection", n, "error", conn.Err())
		case <-ctx.Done():
			conn.Disconnect()
			return nil
		}
	}
}

// Connections returns how many connections have been attached so far.
func (s *Supervisor) Connections() int64 { return s.conns.Load() }

// State returns the dial circuit breaker state for monitoring.
func (s *Supervisor) State() gobreaker.State { return s.breaker.State() }
