// api/integration.go

// APIManager runs the HTTP server next to a node and ties its lifecycle to
// the node's.

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// APIManager manages the HTTP API server lifecycle
type APIManager struct {
	server   *Server
	addr     string
	listener net.Listener
	errCh    chan error
}

// NewAPIManager creates a new API manager
func NewAPIManager(provider StatusProvider, addr string, enableCORS bool) *APIManager {
	return &APIManager{
		server: NewServer(provider, enableCORS),
		addr:   addr,
		errCh:  make(chan error, 1),
	}
}

// Start binds the address and serves in a goroutine. Bind errors are
// returned synchronously.
func (am *APIManager) Start() error {
	l, err := net.Listen("tcp", am.addr)
	if err != nil {
		return fmt.Errorf("failed to bind API address %s: %w", am.addr, err)
	}
	am.listener = l

	go func() {
		if err := am.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("API server error", "error", err)
			am.errCh <- err
		}
	}()

	log.Infow("API server started", "status", fmt.Sprintf("http://%s/api/v1/status", l.Addr()))
	return nil
}

// Addr returns the bound address, or nil before Start.
func (am *APIManager) Addr() net.Addr {
	if am.listener == nil {
		return nil
	}
	return am.listener.Addr()
}

// Errors reports a server failure after Start.
func (am *APIManager) Errors() <-chan error {
	return am.errCh
}

// Stop gracefully stops the API server
func (am *APIManager) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return am.server.Stop(ctx)
}
