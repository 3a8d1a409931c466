// Package connpool acquires SQL Server connections through a retry policy
// wrapped in a circuit breaker.
//
// One breaker failure means the whole retry sequence was exhausted on
// transient errors. Non-transient errors (bad credentials, unknown database)
// propagate on the first attempt and do not count toward tripping the breaker.
package connpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is returned while the breaker refuses to attempt connections.
	ErrCircuitOpen = errors.New("circuit breaker is open: connection attempts are paused")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection pool manager is closed")
)

// RetryExhaustedError carries the last transient error after every attempt failed.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("connection failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// Provider supplies the current connection string and per-command timeout.
// The connection string may change at runtime.
type Provider interface {
	ConnectionString() string
	CommandTimeout() time.Duration
}

// RetryConfig is read once at construction.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// BreakerConfig is read once at construction.
type BreakerConfig struct {
	// Threshold is the number of consecutive exhausted retry sequences that opens the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before allowing one trial request.
	Cooldown time.Duration
}

// Config is the connection pool manager's own config type.
type Config struct {
	Retry   RetryConfig
	Breaker BreakerConfig

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Open returns a *sql.DB for a connection string. Nil uses the sqlserver driver.
	Open func(dsn string) (*sql.DB, error)
}

// DefaultConfig returns the stock retry and breaker policy.
func DefaultConfig() Config {
	return Config{
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Cooldown:  30 * time.Second,
		},
	}
}

// Statistics is a snapshot of the acquisition counters. Rates are percentages in [0,100].
type Statistics struct {
	TotalAttempts         int64   `json:"total_attempts"`
	SuccessfulConnections int64   `json:"successful_connections"`
	FailedConnections     int64   `json:"failed_connections"`
	RetriedConnections    int64   `json:"retried_connections"`
	SuccessRate           float64 `json:"success_rate"`
	RetryRate             float64 `json:"retry_rate"`
	CircuitState          string  `json:"circuit_state"`
}

type counters struct {
	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64
	retried atomic.Int64
}

// Manager is safe for concurrent use.
type Manager struct {
	config   Config
	provider Provider
	logger   zerolog.Logger
	breaker  *gobreaker.CircuitBreaker[*sql.Conn]

	stats  atomic.Pointer[counters]
	closed atomic.Bool

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// New creates a Manager. Panics on a nil provider or an invalid policy.
func New(config Config, provider Provider, logger zerolog.Logger) *Manager {
	if provider == nil {
		panic("connpool: provider is required")
	}
	r := config.Retry
	if r.MaxAttempts < 1 {
		panic(fmt.Sprintf("connpool: max attempts must be >= 1, got %d", r.MaxAttempts))
	}
	if r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay {
		panic(fmt.Sprintf("connpool: invalid retry delays initial=%s max=%s", r.InitialDelay, r.MaxDelay))
	}
	if r.Multiplier < 1 {
		panic(fmt.Sprintf("connpool: backoff multiplier must be >= 1, got %v", r.Multiplier))
	}
	if config.Breaker.Threshold < 1 || config.Breaker.Cooldown <= 0 {
		panic(fmt.Sprintf("connpool: invalid circuit breaker threshold=%d cooldown=%s", config.Breaker.Threshold, config.Breaker.Cooldown))
	}
	if config.Open == nil {
		config.Open = openSQLServer
	}

	m := &Manager{
		config:   config,
		provider: provider,
		logger:   logger,
		dbs:      make(map[string]*sql.DB),
	}
	m.stats.Store(&counters{})

	threshold := uint32(config.Breaker.Threshold)
	m.breaker = gobreaker.NewCircuitBreaker[*sql.Conn](gobreaker.Settings{
		Name:        "sqlserver",
		MaxRequests: 1,
		Timeout:     config.Breaker.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var exhausted *RetryExhaustedError
			var trial *trialFailure
			return !errors.As(err, &exhausted) && !errors.As(err, &trial)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return m
}

// trialFailure marks an error from the half-open trial request. Any such failure
// reopens the breaker, transient or not.
type trialFailure struct{ err error }

func (p *trialFailure) Error() string { return p.err.Error() }
func (p *trialFailure) Unwrap() error { return p.err }

func openSQLServer(dsn string) (*sql.DB, error) {
	return sql.Open("sqlserver", dsn)
}

// AcquireConnection returns an open, pinged connection. The caller must Close it.
// Transient failures are retried with exponential backoff; once retries are
// exhausted the error is a *RetryExhaustedError. While the breaker is open the
// call fails immediately with ErrCircuitOpen. Non-transient failures leave a
// closed breaker alone, but a failed half-open trial request reopens it unless
// ctx ended. ctx bounds the whole sequence, including backoff waits.
func (m *Manager) AcquireConnection(ctx context.Context) (*sql.Conn, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	c := m.stats.Load()
	c.total.Add(1)

	conn, err := m.breaker.Execute(func() (*sql.Conn, error) {
		halfOpen := m.breaker.State() == gobreaker.StateHalfOpen
		conn, err := m.acquireWithRetry(ctx, c)
		if err != nil && halfOpen && ctx.Err() == nil {
			return nil, &trialFailure{err: err}
		}
		return conn, err
	})
	if err != nil {
		c.failed.Add(1)
		var trial *trialFailure
		if errors.As(err, &trial) {
			err = trial.err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	c.success.Add(1)
	return conn, nil
}

func (m *Manager) acquireWithRetry(ctx context.Context, c *counters) (*sql.Conn, error) {
	var conn *sql.Conn
	attempts := 0
	op := func() error {
		attempts++
		cn, err := m.open(ctx)
		if err != nil {
			if !IsTransient(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, delay time.Duration) {
		c.retried.Add(1)
		m.logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("delay", delay).
			Msg("transient connection failure, retrying")
	}

	err := backoff.RetryNotify(op, m.newBackOff(ctx), notify)
	switch {
	case err == nil:
		return conn, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("acquire connection: %w", ctx.Err())
	case IsTransient(err):
		return nil, &RetryExhaustedError{Attempts: attempts, Last: err}
	default:
		return nil, err
	}
}

// newBackOff yields min(initial * multiplier^(n-1), max) for retry n, with
// no jitter, and stops after MaxAttempts-1 retries.
func (m *Manager) newBackOff(ctx context.Context) backoff.BackOff {
	r := m.config.Retry
	var b backoff.BackOff = &backoff.StopBackOff{}
	if r.MaxAttempts > 1 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = r.InitialDelay
		eb.MaxInterval = r.MaxDelay
		eb.Multiplier = r.Multiplier
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = backoff.WithMaxRetries(eb, uint64(r.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// open makes one attempt, bounded by the provider's command timeout.
func (m *Manager) open(ctx context.Context) (*sql.Conn, error) {
	dsn := m.provider.ConnectionString()
	db, err := m.db(dsn)
	if err != nil {
		return nil, err
	}

	attemptCtx := ctx
	if t := m.provider.CommandTimeout(); t > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	conn, err := db.Conn(attemptCtx)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrNilConnection
	}
	if err := conn.PingContext(attemptCtx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// db returns the *sql.DB for dsn, opening it on first use.
func (m *Manager) db(dsn string) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if db, ok := m.dbs[dsn]; ok {
		return db, nil
	}
	db, err := m.config.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("open database handle: %w", err)
	}
	if m.config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(m.config.MaxOpenConns)
	}
	if m.config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(m.config.MaxIdleConns)
	}
	if m.config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(m.config.ConnMaxLifetime)
	}
	if m.config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(m.config.ConnMaxIdleTime)
	}
	m.dbs[dsn] = db
	return db, nil
}

// GetStatistics returns a snapshot of the counters. Successes and failures
// are read before the total so neither can exceed it in the snapshot.
func (m *Manager) GetStatistics() Statistics {
	c := m.stats.Load()
	s := Statistics{
		SuccessfulConnections: c.success.Load(),
		FailedConnections:     c.failed.Load(),
		RetriedConnections:    c.retried.Load(),
	}
	s.TotalAttempts = c.total.Load()
	if s.TotalAttempts > 0 {
		total := float64(s.TotalAttempts)
		s.SuccessRate = float64(s.SuccessfulConnections) / total * 100
		s.RetryRate = min(float64(s.RetriedConnections)/total*100, 100)
	}
	s.CircuitState = m.CircuitState()
	return s
}

// ResetStatistics zeroes the counters. The breaker state is unaffected.
func (m *Manager) ResetStatistics() {
	m.stats.Store(&counters{})
}

// CircuitState returns "closed", "open" or "half-open".
func (m *Manager) CircuitState() string {
	return m.breaker.State().String()
}

// Close closes every database handle. Later acquisitions fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for dsn, db := range m.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.dbs, dsn)
	}
	return errors.Join(errs...)
}

// DriverErrorNumber returns the SQL Server error number in err's chain.
func DriverErrorNumber(err error) (int32, bool) {
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Number, true
	}
	return 0, false
}
