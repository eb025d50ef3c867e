package cmd

import "errors"

// ErrStopped is returned by middleware that answered the message itself and
// stopped the chain. The dispatcher neither reports it nor starts the
// cooldown.
var ErrStopped = errors.New("cmd: stopped by middleware")

// Middleware wraps a handler (e.g. logging, category checks, metrics).
type Middleware func(next HandlerFunc) HandlerFunc

// Apply applies middlewares to h; the first in the list is the outermost.
func Apply(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
