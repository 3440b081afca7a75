package interceptor

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Recovery turns a panic during handshake dispatch into an error instead of
// taking down the accept goroutine.
func Recovery() Interceptor {
	return func(ctx context.Context, conn any, invoker Invoker) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err = fmt.Errorf("interceptor: panic recovered: %v\n%s", r, stack)
				resp = nil
			}
		}()

		return invoker(ctx, conn)
	}
}
