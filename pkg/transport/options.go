package transport

import "time"

// ServerOptions tunes how a concrete transport's listener accepts and
// bounds in-flight connections.
type ServerOptions struct {
	MaxConnections int
	AcceptTimeout  time.Duration
}

func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxConnections: 10000,
		AcceptTimeout:  0,
	}
}

type ServerOption func(*ServerOptions)

func WithMaxConnections(n int) ServerOption {
	return func(o *ServerOptions) { o.MaxConnections = n }
}

func WithAcceptTimeout(d time.Duration) ServerOption {
	return func(o *ServerOptions) { o.AcceptTimeout = d }
}

// ClientOptions tunes outbound connect behavior. KeepAlive mirrors the
// teacher's TCP client defaults.
type ClientOptions struct {
	DialTimeout     time.Duration
	KeepAlive       bool
	KeepAlivePeriod time.Duration
}

func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		DialTimeout:     DefaultConnectTimeout,
		KeepAlive:       true,
		KeepAlivePeriod: 30 * time.Second,
	}
}

type ClientOption func(*ClientOptions)

func WithDialTimeout(d time.Duration) ClientOption {
	return func(o *ClientOptions) { o.DialTimeout = d }
}

func WithKeepAlive(enabled bool, period time.Duration) ClientOption {
	return func(o *ClientOptions) {
		o.KeepAlive = enabled
		o.KeepAlivePeriod = period
	}
}
