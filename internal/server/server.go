// Package server provides the HTTP server for primal-coop, built on
// Echo v4. It hosts the repository, sync and federation XRPC endpoints,
// the AppView read routes, and the admin API (coop.admin.*).
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/appview"
	"github.com/primal-host/primal-coop/internal/auth"
	"github.com/primal-host/primal-coop/internal/firehose"
	"github.com/primal-host/primal-coop/internal/httpsig"
	"github.com/primal-host/primal-coop/internal/identity"
	"github.com/primal-host/primal-coop/internal/outbox"
	"github.com/primal-host/primal-coop/internal/repo"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Repos is the repository store as seen by the handlers.
type Repos interface {
	Create(ctx context.Context, did, collection string, record json.RawMessage) (*repo.Commit, error)
	Put(ctx context.Context, did, collection, rkey string, record json.RawMessage) (*repo.Commit, error)
	Delete(ctx context.Context, did, collection, rkey string) (*repo.Commit, error)
	Get(ctx context.Context, did, collection, rkey string) (*repo.Record, error)
	List(ctx context.Context, did, collection string, opts repo.ListOptions) ([]*repo.Record, string, error)
	History(ctx context.Context, uri string) ([]*repo.Commit, error)
	Head(ctx context.Context, did string) (*repo.Head, error)
	Invalidate(ctx context.Context, uri, reason string) error
	Export(ctx context.Context, did string, w io.Writer) error
}

// Identities is the local identity store.
type Identities interface {
	InstanceDID() string
	Get(ctx context.Context, did string) (*identity.Identity, error)
	GetByName(ctx context.Context, name string) (*identity.Identity, error)
	CreateMember(ctx context.Context, name string) (*identity.Identity, error)
	RotateKey(ctx context.Context, did string) (*identity.Identity, error)
	Document(ctx context.Context, did string) (*identity.DIDDocument, error)
}

// Outbox is the operator view of the delivery queue.
type Outbox interface {
	List(ctx context.Context, status string, limit int) ([]outbox.Message, error)
	Requeue(ctx context.Context, id int64) (*outbox.Message, error)
}

// Joiner runs membership join requests.
type Joiner interface {
	RequestJoin(ctx context.Context, member, cooperative, message string) (*repo.Commit, error)
}

// Deps are the components the server routes to. AppView and Membership
// may be nil, which disables their routes.
type Deps struct {
	Repos      Repos
	Identities Identities
	Emitter    *firehose.Emitter
	Verifier   *httpsig.Verifier
	JWT        *auth.JWTManager
	Outbox     Outbox
	// Wake nudges the outbox processor after a requeue.
	Wake       func()
	Membership Joiner
	AppView    *appview.Store
}

// Server wraps the Echo instance and application dependencies.
type Server struct {
	echo       *echo.Echo
	listenAddr string
	adminKey   string
	logger     *zap.SugaredLogger

	repos      Repos
	identities Identities
	emitter    *firehose.Emitter
	verifier   *httpsig.Verifier
	jwt        *auth.JWTManager
	outbox     Outbox
	wake       func()
	membership Joiner
	appview    *appview.Store

	// base is cancelled on shutdown so hijacked firehose connections,
	// which Echo's Shutdown does not track, end too.
	base   context.Context
	cancel context.CancelFunc
}

// New creates a configured Echo server with all routes registered.
func New(listenAddr, adminKey string, deps Deps, logger *zap.SugaredLogger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:       e,
		listenAddr: listenAddr,
		adminKey:   adminKey,
		logger:     logger,
		repos:      deps.Repos,
		identities: deps.Identities,
		emitter:    deps.Emitter,
		verifier:   deps.Verifier,
		jwt:        deps.JWT,
		outbox:     deps.Outbox,
		wake:       deps.Wake,
		membership: deps.Membership,
		appview:    deps.AppView,
		base:       base,
		cancel:     cancel,
	}

	s.registerRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// authContext holds the authenticated caller's identity.
type authContext struct {
	DID     string
	IsAdmin bool
}

const authContextKey = "auth"

// getAuth retrieves the auth context set by middleware.
func getAuth(c echo.Context) *authContext {
	if ac, ok := c.Get(authContextKey).(*authContext); ok {
		return ac
	}
	return nil
}

// isAdminKey compares token with the admin key in constant time. An
// unset key matches nothing.
func (s *Server) isAdminKey(token string) bool {
	if s.adminKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminKey)) == 1
}

// sessionFor reports the local session carried by the request, if any.
func (s *Server) sessionFor(c echo.Context) (*authContext, bool) {
	token := extractBearer(c)
	if token == "" {
		return nil, false
	}
	if s.isAdminKey(token) {
		return &authContext{IsAdmin: true}, true
	}
	did, err := s.jwt.ValidateAccessToken(token)
	if err != nil {
		return nil, false
	}
	return &authContext{DID: did}, true
}

// requireAuth is middleware that validates a Bearer token as either an
// admin key or a JWT access token. Sets authContext on the request.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if extractBearer(c) == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}

		ac, ok := s.sessionFor(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidToken",
				"message": "Invalid or expired access token",
			})
		}

		c.Set(authContextKey, ac)
		return next(c)
	}
}

// requireRefresh is middleware that validates a Bearer token as a JWT
// refresh token.
func (s *Server) requireRefresh(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}

		did, err := s.jwt.ValidateRefreshToken(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidToken",
				"message": "Invalid or expired refresh token",
			})
		}

		c.Set(authContextKey, &authContext{DID: did})
		return next(c)
	}
}

// trustedSession lets a local session skip signature verification and
// records it as the caller.
func (s *Server) trustedSession(c echo.Context) bool {
	ac, ok := s.sessionFor(c)
	if ok {
		c.Set(authContextKey, ac)
	}
	return ok
}

// extractBearer extracts the Bearer token from the Authorization header.
func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Listening on %s", s.listenAddr)
		if err := s.echo.Start(s.listenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
		s.logger.Infof("Shutting down HTTP server...")
		s.cancel()
		return s.echo.Shutdown(context.Background())
	}
}

// adminAuth is middleware that validates the Authorization header against
// the configured admin key. Admin API endpoints are protected by this
// middleware.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get("Authorization")
		if auth == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header is required",
			})
		}

		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidAuth",
				"message": "Authorization header must use Bearer scheme",
			})
		}

		if !s.isAdminKey(auth[len(prefix):]) {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error":   "Forbidden",
				"message": "Invalid admin key",
			})
		}

		c.Set(authContextKey, &authContext{IsAdmin: true})
		return next(c)
	}
}
