// Package http serves a dataset tree over HTTP
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	zfs "github.com/vansante/go-zfsabi"
)

const (
	HeaderAuthenticationToken = "X-ZFS-Auth-Token"
	HeaderRequestID           = "X-Request-Id"
)

// HTTP is the main object for serving the ZFS HTTP server
type HTTP struct {
	router     *httprouter.Router
	config     Config
	library    *zfs.Library
	httpSocket net.Listener
	httpServer *http.Server
	logger     *slog.Logger
	ctx        context.Context
}

type handle func(http.ResponseWriter, *http.Request, httprouter.Params, *slog.Logger)

// NewHTTP creates a new HTTP server for ZFS interactions
func NewHTTP(ctx context.Context, conf Config, library *zfs.Library, logger *slog.Logger) (*HTTP, error) {
	h := newHTTP(ctx, conf, library, logger)
	return h, h.init()
}

func newHTTP(ctx context.Context, conf Config, library *zfs.Library, logger *slog.Logger) *HTTP {
	h := &HTTP{
		router:  httprouter.New(),
		config:  conf,
		library: library,
		logger:  logger,
		ctx:     ctx,
	}
	h.registerRoutes()
	return h
}

func (h *HTTP) init() error {
	h.logger.Info("zfs.http.init: Opening socket", "port", h.config.Port)
	var err error
	h.httpSocket, err = net.Listen("tcp", fmt.Sprintf("%s:%d", h.config.Host, h.config.Port))
	if err != nil {
		h.logger.Error("zfs.http.init: Failed to open socket", "port", h.config.Port)
		return err
	}
	h.logger.Info("zfs.http.init: Serving", "host", h.config.Host, "port", h.config.Port)
	h.httpServer = &http.Server{
		Handler: h.router,
		BaseContext: func(_ net.Listener) context.Context {
			return h.ctx
		},
	}
	return nil
}

func (h *HTTP) registerRoutes() {
	h.router.GET("/children/*dataset", h.authenticated(h.handleListChildren))
	h.router.GET("/descendants/*dataset", h.authenticated(h.handleListDescendants))

	h.router.GET("/properties/*dataset", h.authenticated(h.handleGetProperties))
	h.router.PATCH("/properties/*dataset", h.authenticated(h.handleSetProperties))

	h.router.DELETE("/datasets/*dataset", h.authenticated(h.handleDestroyDataset))
	h.router.POST("/rename/*dataset", h.authenticated(h.handleRenameDataset))

	h.router.GET("/snapshots/*dataset", h.authenticated(h.handleListSnapshots))
	h.router.POST("/snapshots/*snapshot", h.authenticated(h.handleMakeSnapshot))
	h.router.DELETE("/snapshots/*snapshot", h.authenticated(h.handleDestroySnapshot))

	h.router.POST("/rollback/*snapshot", h.authenticated(h.handleRollback))
	h.router.POST("/clone/*snapshot", h.authenticated(h.handleClone))
	h.router.GET("/stream/*snapshot", h.authenticated(h.handleStreamSnapshot))
}

// Handle registers an extra unauthenticated handler, like a metrics endpoint
func (h *HTTP) Handle(method, path string, handler http.Handler) {
	h.router.Handler(method, path, handler)
}

// Serve starts the main HTTP server
func (h *HTTP) Serve() {
	err := h.httpServer.Serve(h.httpSocket)
	if !errors.Is(err, http.ErrServerClosed) && h.ctx.Err() == nil {
		h.logger.Error("zfs.http.Serve: HTTP server error", "error", err)
	} else {
		h.logger.Info("zfs.http.Serve: HTTP server closed")
	}
}

// Shutdown gracefully stops the server
func (h *HTTP) Shutdown(ctx context.Context) error {
	return h.httpServer.Shutdown(ctx)
}

// authenticated is an HTTP handler wrapper that ensures a valid authentication is used for the request
func (h *HTTP) authenticated(handle handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		requestID := uuid.NewString()
		w.Header().Set(HeaderRequestID, requestID)

		authToken := req.Header.Get(HeaderAuthenticationToken)

		found := false
		for _, tkn := range h.config.AuthenticationTokens {
			found = tkn == authToken
			if found {
				break
			}
		}
		if !found {
			h.logger.Info("zfs.http.authenticated: Invalid authentication",
				"URL", req.URL.String(),
				"method", req.Method,
				"requestID", requestID,
			)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		logger := h.logger.With(slog.Group("req",
			"URL", req.URL.String(),
			"method", req.Method,
			"ID", requestID),
		)
		logger.Info("zfs.http.authenticated: Handling")

		handle(w, req, ps, logger)
	}
}

func (h *HTTP) getSpeed(req *http.Request) int64 {
	speed := h.config.SpeedBytesPerSecond
	if !h.config.Permissions.AllowSpeedOverride {
		return speed
	}
	speedStr := req.URL.Query().Get(GETParamBytesPerSecond)
	if speedStr == "" {
		return speed
	}
	customSpeed, err := strconv.ParseInt(speedStr, 10, 64)
	if err == nil {
		return customSpeed
	}
	return speed
}

func (h *HTTP) getRaw(req *http.Request) bool {
	if !h.config.Permissions.AllowNonRaw {
		return true
	}
	raw, _ := strconv.ParseBool(req.URL.Query().Get(GETParamRaw))
	return raw
}

func getBool(req *http.Request, param string) bool {
	val, _ := strconv.ParseBool(req.URL.Query().Get(param))
	return val
}
