// Package natsclient manages the NATS connection used by the object store
// backend: connect with a circuit breaker, track connection health, and
// get-or-create JetStream object store buckets.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the connection for health reporting
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger
	metrics  *metric.Metrics

	conn *nats.Conn
	js   jetstream.JetStream

	// Circuit breaker
	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Cleared on close
	username string
	password string
	token    string

	tlsEnabled  bool
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	clientName string

	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "validate url")
	}

	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient")

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	if m.metrics != nil {
		m.metrics.RecordNATSStatus(status == StatusConnected)
		m.metrics.RecordCircuitBreakerState(status == StatusCircuitOpen)
	}
}

// IsHealthy returns true if the connection is established
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the number of failures since the last success
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

// recordFailure counts a failure and opens the circuit once the threshold is reached
func (m *Client) recordFailure() {
	total := m.failures.Add(1)
	m.lastFailure.Store(time.Now())
	round := m.circuitFailures.Add(1)

	m.logger.Debug("Recorded NATS failure", "failures", total, "circuit_failures", round)

	if round < m.circuitThreshold {
		return
	}

	current := m.Status()
	if current == StatusCircuitOpen {
		m.growBackoff()
		m.circuitFailures.Store(0)
		m.logger.Warn("Circuit breaker still open", "backoff", m.Backoff())
		return
	}

	// Only one goroutine wins the transition
	if !m.status.CompareAndSwap(current, StatusCircuitOpen) {
		return
	}
	if m.metrics != nil {
		m.metrics.RecordCircuitBreakerState(true)
		m.metrics.RecordNATSStatus(false)
	}

	wait := m.Backoff()
	m.growBackoff()
	m.circuitFailures.Store(0)
	m.logger.Warn("Circuit breaker opened", "failures", round, "backoff", wait)

	time.AfterFunc(wait, m.halfOpen)
}

func (m *Client) growBackoff() {
	next := m.Backoff() * 2
	if next > m.maxBackoff {
		next = m.maxBackoff
	}
	m.backoff.Store(next)
}

// resetCircuit clears the breaker after a success
func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})

	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

// halfOpen lets the next Connect attempt through after the backoff elapsed
func (m *Client) halfOpen() {
	if m.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		m.logger.Debug("Circuit breaker half-open, next connect attempt allowed")
		if m.metrics != nil {
			m.metrics.RecordCircuitBreakerState(false)
		}
	}
}

// WaitForConnection waits for the connection to be established
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(errors.ErrConnectionTimeout, "Client", "WaitForConnection", ctx.Err().Error())
		case <-ticker.C:
		}
	}
}

func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.tlsEnabled {
		if m.tlsCertFile != "" && m.tlsKeyFile != "" {
			opts = append(opts, nats.ClientCert(m.tlsCertFile, m.tlsKeyFile))
		}
		if m.tlsCAFile != "" {
			opts = append(opts, nats.RootCAs(m.tlsCAFile))
		}
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}

	return opts
}

// GetStatus returns current status information
func (m *Client) GetStatus() *Status {
	status := &Status{
		Status:          m.Status(),
		FailureCount:    m.failures.Load(),
		LastFailureTime: m.lastFailure.Load().(time.Time),
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn != nil && conn.IsConnected() {
		if rtt, err := conn.RTT(); err == nil {
			status.RTT = rtt
		}
	}

	return status
}

// Connect establishes the connection and initialises JetStream
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Connect", "client closed")
	}
	if m.Status() == StatusCircuitOpen {
		return errors.WrapTransient(errors.ErrCircuitOpen, "Client", "Connect", "circuit check")
	}

	m.setStatus(StatusConnecting)
	m.logger.Info("Connecting to NATS", "url", m.url)

	opts := m.buildConnectionOptions()

	type result struct {
		conn *nats.Conn
		js   jetstream.JetStream
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		if err != nil {
			done <- result{err: err}
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- result{err: err}
			return
		}
		done <- result{conn: conn, js: js}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return m.connectFailed(res.err, "establish connection")
		}
		m.mu.Lock()
		m.conn = res.conn
		m.js = res.js
		m.mu.Unlock()
	case <-ctx.Done():
		// Late connections are closed so the goroutine does not leak a socket
		go func() {
			if res := <-done; res.conn != nil {
				res.conn.Close()
			}
		}()
		return m.connectFailed(ctx.Err(), "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("Connected to NATS", "url", m.url)

	m.notifyHealth(true)
	return nil
}

func (m *Client) connectFailed(err error, action string) error {
	m.recordFailure()
	if m.Status() == StatusCircuitOpen {
		return errors.WrapTransient(stderrors.Join(errors.ErrCircuitOpen, err), "Client", "Connect", action)
	}
	m.setStatus(StatusDisconnected)
	return errors.WrapTransient(err, "Client", "Connect", action)
}

// Close drains and closes the connection. Safe to call more than once.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Swap(true) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var drainErr error
	if m.conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		conn := m.conn
		drainDone := make(chan error, 1)
		go func() {
			drainDone <- conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
			}
		case <-time.After(drainTimeout):
			drainErr = errors.WrapTransient(fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain connection")
		case <-ctx.Done():
			drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
		}
		if drainErr != nil {
			m.logger.Warn("NATS drain did not complete, forcing close", "error", drainErr)
		}

		conn.Close()
		m.conn = nil
		m.js = nil
	}

	m.username = ""
	m.password = ""
	m.token = ""

	m.setStatus(StatusDisconnected)
	return drainErr
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, errors.ErrNoConnection
	}
	return conn.RTT()
}

// JetStream returns the JetStream context of the current connection
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "JetStream", "get jetstream context")
	}
	return m.js, nil
}

func (m *Client) readyJetStream(method string) (jetstream.JetStream, error) {
	switch m.Status() {
	case StatusCircuitOpen:
		return nil, errors.WrapTransient(errors.ErrCircuitOpen, "Client", method, "circuit check")
	case StatusConnected:
	default:
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", method, "connection check")
	}
	return m.JetStream()
}

// CreateObjectStore returns the named object store bucket, creating it when absent
func (m *Client) CreateObjectStore(ctx context.Context, cfg jetstream.ObjectStoreConfig) (jetstream.ObjectStore, error) {
	js, err := m.readyJetStream("CreateObjectStore")
	if err != nil {
		return nil, err
	}

	bucket, err := js.ObjectStore(ctx, cfg.Bucket)
	if err == nil {
		m.logger.Debug("Using existing object store bucket", "bucket", cfg.Bucket)
		m.resetCircuit()
		return bucket, nil
	}
	if !stderrors.Is(err, jetstream.ErrBucketNotFound) {
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateObjectStore", "lookup bucket "+cfg.Bucket)
	}

	bucket, err = js.CreateObjectStore(ctx, cfg)
	if err != nil {
		// Another process may have created it between lookup and create
		if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			bucket, err = js.ObjectStore(ctx, cfg.Bucket)
			if err == nil {
				m.resetCircuit()
				return bucket, nil
			}
		}
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateObjectStore", "create bucket "+cfg.Bucket)
	}

	m.logger.Info("Created object store bucket", "bucket", cfg.Bucket)
	m.resetCircuit()
	return bucket, nil
}

// GetObjectStore returns an existing object store bucket
func (m *Client) GetObjectStore(ctx context.Context, name string) (jetstream.ObjectStore, error) {
	js, err := m.readyJetStream("GetObjectStore")
	if err != nil {
		return nil, err
	}

	bucket, err := js.ObjectStore(ctx, name)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, errors.WrapInvalid(stderrors.Join(errors.ErrBucketNotFound, err),
				"Client", "GetObjectStore", "lookup bucket "+name)
		}
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "GetObjectStore", "lookup bucket "+name)
	}

	m.resetCircuit()
	return bucket, nil
}

// DeleteObjectStore removes a bucket and everything in it
func (m *Client) DeleteObjectStore(ctx context.Context, name string) error {
	js, err := m.readyJetStream("DeleteObjectStore")
	if err != nil {
		return err
	}
	if err := js.DeleteObjectStore(ctx, name); err != nil {
		if stderrors.Is(err, jetstream.ErrBucketNotFound) || stderrors.Is(err, jetstream.ErrStreamNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "Client", "DeleteObjectStore", "delete bucket "+name)
	}
	return nil
}

func (m *Client) notifyHealth(healthy bool) {
	m.mu.RLock()
	fn := m.onHealthChange
	m.mu.RUnlock()
	if fn != nil {
		go fn(healthy)
	}
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	m.setStatus(StatusReconnecting)
	if err != nil {
		m.logger.Warn("NATS disconnected", "error", err)
	}
	m.notifyHealth(false)
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	if m.metrics != nil {
		m.metrics.RecordNATSReconnect()
	}
	m.logger.Info("NATS reconnected", "url", m.url)
	m.notifyHealth(true)
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)
	m.notifyHealth(false)
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	m.logger.Error("NATS async error", "error", err)
}
