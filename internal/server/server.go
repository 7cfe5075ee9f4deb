// Package server wires the HTTP surface: websocket session endpoints, the
// JWT-protected REST handlers, and the middleware chain in front of both.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dracxi/chatapp/internal/auth"
	"github.com/dracxi/chatapp/internal/server/middleware"
	"github.com/dracxi/chatapp/internal/store"
	"github.com/dracxi/chatapp/pkg/config"
	"github.com/dracxi/chatapp/pkg/registry"
	"github.com/dracxi/chatapp/pkg/transport"
)

type App struct {
	logger   *slog.Logger
	config   *config.Config
	registry *registry.Registry
	store    store.Store
	tokens   *auth.Service

	wg   sync.WaitGroup
	http *http.Server
	ctx  context.Context

	// Live transport handles, owned by their sessions. Tracked here only so
	// graceful shutdown can close them; the registry never closes anything.
	connMu    sync.Mutex
	conns     map[uuid.UUID]*transport.Connection
	ipCounts  map[string]int
	connAddrs map[uuid.UUID]string
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, st store.Store) *App {
	app := &App{
		logger:    logger,
		config:    cfg,
		registry:  registry.New(logger),
		store:     st,
		tokens:    auth.NewService(cfg.Auth.Secret, cfg.Auth.TokenTTL),
		ctx:       rootCtx,
		conns:     make(map[uuid.UUID]*transport.Connection),
		ipCounts:  make(map[string]int),
		connAddrs: make(map[uuid.UUID]string),
	}

	wsChain := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewConnectionLimiter(logger, app.ipConnectionCount, cfg.Server.ConnectionLimit),
		)
	}
	restChain := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, app.tokens.Validate),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws/{user_id}", wsChain(app.userSocketHandler))
	mux.Handle("GET /ws/group/{group_id}", wsChain(app.groupSocketHandler))
	mux.Handle("GET /ws/dm/{peer_id}", wsChain(app.dmSocketHandler))

	mux.Handle("GET /online-users", restChain(app.onlineUsersHandler))
	mux.Handle("GET /user-status/{user_id}", restChain(app.userStatusHandler))
	mux.Handle("POST /group/{group_id}/message", restChain(app.sendGroupMessageHandler))
	mux.Handle("GET /group/{group_id}/messages", restChain(app.groupMessagesHandler))
	mux.Handle("POST /dm/{receiver_id}/send", restChain(app.sendDirectMessageHandler))
	mux.Handle("GET /dm/{user_id}/messages", restChain(app.directMessagesHandler))
	mux.Handle("GET /dm/conversations", restChain(app.conversationsHandler))
	mux.Handle("PUT /message/{message_id}/edit", restChain(app.editMessageHandler))
	mux.Handle("DELETE /message/{message_id}", restChain(app.deleteMessageHandler))

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return rootCtx
		},
	}
	return app
}

// Registry exposes the connection registry to callers outside the HTTP
// surface (tests, ops tooling).
func (a *App) Registry() *registry.Registry {
	return a.registry
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// Shutdown runs the graceful shutdown sequence: stop accepting requests,
// close every live websocket, wait for session cleanup to finish.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	a.connMu.Lock()
	conns := make([]*transport.Connection, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.connMu.Unlock()
	for _, c := range conns {
		c.Close(context.Canceled)
	}

	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}

func (a *App) ipConnectionCount(ip string) int {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.ipCounts[ip]
}

func (a *App) trackConn(c *transport.Connection, ip string) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	a.conns[c.ID()] = c
	a.connAddrs[c.ID()] = ip
	a.ipCounts[ip]++
}

func (a *App) untrackConn(id uuid.UUID) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if ip, ok := a.connAddrs[id]; ok {
		a.ipCounts[ip]--
		if a.ipCounts[ip] <= 0 {
			delete(a.ipCounts, ip)
		}
		delete(a.connAddrs, id)
	}
	delete(a.conns, id)
}
