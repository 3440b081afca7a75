// Package interceptor adapts the middleware-chain pattern to the accept
// path: each accepted connection's channel setup (in httptransport, the
// whole dispatch: magic-byte read, channel setup, raw-socket adoption) runs
// through a Chain of Interceptors the same way an RPC call would run through request interceptors in a
// full RPC core, just one layer lower — around "handle one connection"
// rather than "handle one call".
package interceptor

import "context"

// Invoker runs the next step of connection handling. conn is whatever the
// calling transport considers its connection handle (net.Conn, *tls.Conn,
// a channel.Stream, ...); interceptors don't need to know its concrete
// type.
type Invoker func(ctx context.Context, conn any) (any, error)

type Interceptor func(ctx context.Context, conn any, invoker Invoker) (any, error)

type Chain struct {
	interceptors []Interceptor
}

func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

func (c *Chain) Intercept(ctx context.Context, conn any, invoker Invoker) (any, error) {
	if c == nil || len(c.interceptors) == 0 {
		return invoker(ctx, conn)
	}
	return c.build(invoker)(ctx, conn)
}

func (c *Chain) build(invoker Invoker) Invoker {
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		next := invoker
		ic := c.interceptors[i]
		invoker = func(ctx context.Context, conn any) (any, error) {
			return ic(ctx, conn, next)
		}
	}
	return invoker
}
