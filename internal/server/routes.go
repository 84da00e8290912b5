package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/primal-coop/internal/httpsig"
	"github.com/primal-host/primal-coop/internal/identity"
	"github.com/primal-host/primal-coop/internal/metrics"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// --- Public endpoints (no auth) ---
	s.echo.GET("/xrpc/_health", s.handleHealth)
	s.echo.GET("/.well-known/did.json", s.handleInstanceDocument)
	s.echo.GET("/u/:name/did.json", s.handleMemberDocument)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	s.echo.GET("/xrpc/coop.repo.getRecord", s.handleGetRecord)
	s.echo.GET("/xrpc/coop.repo.listRecords", s.handleListRecords)
	s.echo.GET("/xrpc/coop.repo.getRecordHistory", s.handleGetRecordHistory)

	s.echo.GET("/xrpc/coop.sync.subscribeRepos", s.handleSubscribeRepos)
	s.echo.GET("/xrpc/coop.sync.getRepo", s.handleGetRepo)
	s.echo.GET("/xrpc/coop.sync.getLatestCommit", s.handleGetLatestCommit)

	if s.appview != nil {
		s.echo.GET("/xrpc/coop.appview.getRecord", s.handleAppViewGetRecord)
		s.echo.GET("/xrpc/coop.appview.listMembers", s.handleListMembers)
	}

	// --- Local session (JWT or admin key) ---
	authed := s.echo.Group("", s.requireAuth)
	authed.POST("/xrpc/coop.repo.createRecord", s.handleCreateRecord)
	authed.POST("/xrpc/coop.repo.putRecord", s.handlePutRecord)
	authed.POST("/xrpc/coop.repo.deleteRecord", s.handleDeleteRecord)
	authed.GET("/xrpc/coop.server.getSession", s.handleGetSession)
	if s.membership != nil {
		authed.POST("/xrpc/coop.membership.requestJoin", s.handleRequestJoin)
	}

	s.echo.POST("/xrpc/coop.server.refreshSession", s.handleRefreshSession, s.requireRefresh)

	// --- Federation (signed, or local session) ---
	s.echo.POST("/xrpc/coop.federation.receive", s.handleFederationReceive,
		httpsig.Middleware(s.verifier, s.trustedSession))

	// --- Admin API ---
	admin := s.echo.Group("", s.adminAuth)
	admin.POST("/xrpc/coop.admin.createIdentity", s.handleCreateIdentity)
	admin.POST("/xrpc/coop.admin.rotateKey", s.handleRotateKey)
	admin.POST("/xrpc/coop.admin.createSession", s.handleCreateSession)
	admin.POST("/xrpc/coop.admin.invalidateRecord", s.handleInvalidateRecord)
	admin.GET("/xrpc/coop.admin.listOutbox", s.handleListOutbox)
	admin.POST("/xrpc/coop.admin.requeueOutbox", s.handleRequeueOutbox)
}

// handleHealth returns basic server health information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"version":     Version,
		"did":         s.identities.InstanceDID(),
		"subscribers": s.emitter.Subscribers(),
	})
}

// handleInstanceDocument serves the instance's did:web document.
// GET /.well-known/did.json
func (s *Server) handleInstanceDocument(c echo.Context) error {
	return s.serveDocument(c, s.identities.InstanceDID())
}

// handleMemberDocument serves a member's did:web document.
// GET /u/:name/did.json
func (s *Server) handleMemberDocument(c echo.Context) error {
	name := c.Param("name")
	id, err := s.identities.GetByName(c.Request().Context(), name)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return identityNotFound(c, name)
		}
		s.logger.Errorf("Error looking up member %q: %v", name, err)
		return internalError(c, "Failed to look up identity")
	}
	return s.serveDocument(c, id.DID)
}

func (s *Server) serveDocument(c echo.Context, did string) error {
	doc, err := s.identities.Document(c.Request().Context(), did)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return identityNotFound(c, did)
		}
		s.logger.Errorf("Error building document for %s: %v", did, err)
		return internalError(c, "Failed to build DID document")
	}
	return c.JSON(http.StatusOK, doc)
}

func identityNotFound(c echo.Context, id string) error {
	return c.JSON(http.StatusNotFound, map[string]string{
		"error":   "IdentityNotFound",
		"message": "No identity found: " + id,
	})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error":   "InvalidRequest",
		"message": msg,
	})
}

func internalError(c echo.Context, msg string) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":   "InternalError",
		"message": msg,
	})
}
