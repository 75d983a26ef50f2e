package http

import (
	"context"
	"net"
	"net/http"
	"time"
)

// NewServer creates a server whose request contexts derive from a
// server-lifetime context. Calling the returned cancel before Shutdown
// ends long-lived streams so Shutdown does not wait on them.
func NewServer(addr string, handler http.Handler) (*http.Server, context.CancelFunc) {
	base, cancel := context.WithCancel(context.Background())
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}, cancel
}
