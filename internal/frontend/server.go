package frontend

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/driftbase/syncd/internal/account"
	"github.com/driftbase/syncd/internal/config"
	"github.com/driftbase/syncd/internal/external"
	"github.com/driftbase/syncd/internal/partition"
	"github.com/driftbase/syncd/internal/pull"
	"github.com/driftbase/syncd/internal/push"
	"github.com/driftbase/syncd/internal/realtime"
	"github.com/driftbase/syncd/internal/storage"
)

// Server wraps the Echo instance and all application dependencies
// needed to serve push/pull/subscribe traffic and the admin API.
type Server struct {
	echo *echo.Echo
	cfg  *config.Config

	mgmtDB     *storage.ManagementDB
	pools      *storage.PoolManager
	partitions *partition.Store
	push       *push.Pipeline
	pull       *pull.Pipeline
	realtime   *realtime.Registry
	external   *external.Hook
	jwt        *JWTManager
	actorDBs   map[string]*account.Store // partitionId -> actor store
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, mgmtDB *storage.ManagementDB, pools *storage.PoolManager, partitions *partition.Store,
	pushPipeline *push.Pipeline, pullPipeline *pull.Pipeline, realtimeRegistry *realtime.Registry,
	externalHook *external.Hook, jwtMgr *JWTManager, actorDBs map[string]*account.Store) *Server {

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{
		echo:       e,
		cfg:        cfg,
		mgmtDB:     mgmtDB,
		pools:      pools,
		partitions: partitions,
		push:       pushPipeline,
		pull:       pullPipeline,
		realtime:   realtimeRegistry,
		external:   externalHook,
		jwt:        jwtMgr,
		actorDBs:   actorDBs,
	}

	s.registerRoutes()
	return s
}

// authContext holds the authenticated caller's identity.
type authContext struct {
	ActorID     string
	PartitionID string
	IsAdmin     bool
}

const authContextKey = "auth"

func getAuth(c echo.Context) *authContext {
	if ac, ok := c.Get(authContextKey).(*authContext); ok {
		return ac
	}
	return nil
}

func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// requireAuth validates a Bearer token as either an admin key or a
// session access token, and sets authContext on the request.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "AuthRequired", "message": "Authorization header with Bearer token is required",
			})
		}

		if token == s.cfg.AdminKey {
			c.Set(authContextKey, &authContext{IsAdmin: true})
			return next(c)
		}

		actorID, partitionID, err := s.jwt.ValidateAccessToken(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "InvalidToken", "message": "Invalid or expired access token",
			})
		}

		c.Set(authContextKey, &authContext{ActorID: actorID, PartitionID: partitionID})
		return next(c)
	}
}

// requireRefresh validates a Bearer token as a session refresh token.
func (s *Server) requireRefresh(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "AuthRequired", "message": "Authorization header with Bearer token is required",
			})
		}

		actorID, partitionID, err := s.jwt.ValidateRefreshToken(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "InvalidToken", "message": "Invalid or expired refresh token",
			})
		}

		c.Set(authContextKey, &authContext{ActorID: actorID, PartitionID: partitionID})
		return next(c)
	}
}

// adminAuth validates the Authorization header against the configured
// admin key, protecting the partition/actor management endpoints.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Request().Header.Get("Authorization")
		if h == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "AuthRequired", "message": "Authorization header is required",
			})
		}
		const prefix = "Bearer "
		if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "InvalidAuth", "message": "Authorization header must use Bearer scheme",
			})
		}
		if h[len(prefix):] != s.cfg.AdminKey {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "Forbidden", "message": "Invalid admin key",
			})
		}
		return next(c)
	}
}

// Start begins listening for HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", s.cfg.ListenAddr)
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("Shutting down HTTP server...")
		s.realtime.CloseAll()
		return s.echo.Shutdown(context.Background())
	}
}
