// Package natsclient manages the NATS connection used for event fan-out and
// the JetStream KV bucket backing severance records.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fedmeter/errors"
)

// ConnectionStatus tracks the connection lifecycle
type ConnectionStatus int

const (
	// StatusDisconnected means no connection is established
	StatusDisconnected ConnectionStatus = iota
	// StatusConnecting means a connection attempt is in progress
	StatusConnecting
	// StatusConnected means the connection is healthy
	StatusConnected
	// StatusClosed means Close was called
	StatusClosed
)

// String returns a human readable status
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures the client
type Options struct {
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		Name:           "fedmeter",
		MaxReconnects:  -1, // reconnect forever
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Client wraps a NATS connection with lifecycle management and JetStream
// helpers
type Client struct {
	url    string
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *nats.Conn
	status ConnectionStatus

	healthMu        sync.Mutex
	healthCallbacks []func(bool)
}

// ClientOption configures optional client collaborators
type ClientOption func(*Client)

// WithLogger attaches a structured logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With("component", "natsclient")
	}
}

// WithOptions overrides the connection options
func WithOptions(opts Options) ClientOption {
	return func(c *Client) {
		c.opts = opts
	}
}

// NewClient creates a client for the given NATS URL. Connect must be called
// before use.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nats url must not be empty"), "Client", "NewClient", "input validation")
	}

	c := &Client{
		url:    url,
		opts:   DefaultOptions(),
		logger: slog.Default().With("component", "natsclient"),
		status: StatusDisconnected,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// URL returns the configured NATS URL
func (c *Client) URL() string { return c.url }

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsHealthy reports whether the connection is established
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status == StatusConnected && c.conn != nil && c.conn.IsConnected()
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

// OnHealthChange registers a callback invoked on connect and disconnect
func (c *Client) OnHealthChange(fn func(bool)) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.healthCallbacks = append(c.healthCallbacks, fn)
}

func (c *Client) notifyHealth(healthy bool) {
	c.healthMu.Lock()
	callbacks := append(([]func(bool))(nil), c.healthCallbacks...)
	c.healthMu.Unlock()

	for _, fn := range callbacks {
		fn(healthy)
	}
}

// Connect establishes the NATS connection
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	if c.status == StatusClosed {
		c.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("client is closed"), "Client", "Connect", "state check")
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	natsOpts := []nats.Option{
		nats.Name(c.opts.Name),
		nats.MaxReconnects(c.opts.MaxReconnects),
		nats.ReconnectWait(c.opts.ReconnectWait),
		nats.Timeout(c.opts.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("NATS disconnected", "error", err)
			}
			c.notifyHealth(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			c.notifyHealth(true)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info("NATS connection closed")
		}),
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, natsOpts...)
		done <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "wait for connection")
	case r := <-done:
		if r.err != nil {
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(r.err, "Client", "Connect",
				fmt.Sprintf("connect to %s", c.url))
		}
		c.mu.Lock()
		c.conn = r.conn
		c.status = StatusConnected
		c.mu.Unlock()

		c.logger.Info("NATS connected", "url", c.url)
		c.notifyHealth(true)
		return nil
	}
}

// Close drains and closes the connection
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.status = StatusClosed
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Drain()
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return errors.WrapTransient(ctx.Err(), "Client", "Close", "drain connection")
	case err := <-done:
		if err != nil {
			conn.Close()
			return errors.WrapTransient(err, "Client", "Close", "drain connection")
		}
		return nil
	}
}

func (c *Client) connection() (*nats.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil || c.status != StatusConnected {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "connection", "state check")
	}
	return c.conn, nil
}

// Publish sends data on a core NATS subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish",
			fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// Subscribe registers a handler for a subject. The subscription lives until
// ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe",
			fmt.Sprintf("subscribe to %s", subject))
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("Unsubscribe failed", "subject", subject, "error", err)
		}
	}()
	return nil
}

// JetStream returns a JetStream context for the connection
func (c *Client) JetStream() (jetstream.JetStream, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "JetStream", "create jetstream context")
	}
	return js, nil
}

// CreateKeyValueBucket creates or opens a JetStream KV bucket
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
			fmt.Sprintf("create bucket %s", cfg.Bucket))
	}
	return bucket, nil
}
