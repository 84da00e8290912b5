package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/primal-coop/internal/identity"
)

// handleGetSession returns the caller's identity.
// GET /xrpc/coop.server.getSession
func (s *Server) handleGetSession(c echo.Context) error {
	ac := getAuth(c)
	if ac.IsAdmin {
		return c.JSON(http.StatusOK, map[string]any{
			"did":   s.identities.InstanceDID(),
			"admin": true,
		})
	}

	id, err := s.identities.Get(c.Request().Context(), ac.DID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return identityNotFound(c, ac.DID)
		}
		s.logger.Errorf("Error getting session identity %s: %v", ac.DID, err)
		return internalError(c, "Failed to get session")
	}
	return c.JSON(http.StatusOK, id)
}

// handleRefreshSession issues a new token pair for a refresh token.
// POST /xrpc/coop.server.refreshSession
func (s *Server) handleRefreshSession(c echo.Context) error {
	pair, err := s.jwt.Refresh(extractBearer(c))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "InvalidToken",
			"message": "Invalid or expired refresh token",
		})
	}
	return c.JSON(http.StatusOK, pair)
}

// handleCreateSession issues a token pair for a local identity. Member
// credentials are out of scope; operators mint sessions for them.
// POST /xrpc/coop.admin.createSession
func (s *Server) handleCreateSession(c echo.Context) error {
	var req struct {
		DID string `json:"did"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid JSON body")
	}
	if req.DID == "" {
		return badRequest(c, "did is required")
	}

	if _, err := s.identities.Get(c.Request().Context(), req.DID); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return identityNotFound(c, req.DID)
		}
		s.logger.Errorf("Error looking up %s: %v", req.DID, err)
		return internalError(c, "Failed to look up identity")
	}

	pair, err := s.jwt.CreateTokenPair(req.DID)
	if err != nil {
		s.logger.Errorf("Error creating session for %s: %v", req.DID, err)
		return internalError(c, "Failed to create session")
	}
	return c.JSON(http.StatusOK, pair)
}

// handleCreateIdentity creates a member identity with a fresh key.
// POST /xrpc/coop.admin.createIdentity
func (s *Server) handleCreateIdentity(c echo.Context) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid JSON body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}

	id, err := s.identities.CreateMember(c.Request().Context(), req.Name)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidDID):
			return badRequest(c, "name must be 1-63 lowercase letters, digits or hyphens")
		case errors.Is(err, identity.ErrExists):
			return c.JSON(http.StatusConflict, map[string]string{
				"error":   "IdentityExists",
				"message": "Identity already exists: " + req.Name,
			})
		}
		s.logger.Errorf("Error creating identity %q: %v", req.Name, err)
		return internalError(c, "Failed to create identity")
	}

	s.logger.Infof("Created identity %s", id.DID)
	return c.JSON(http.StatusCreated, id)
}

// handleRotateKey replaces an identity's active signing key.
// POST /xrpc/coop.admin.rotateKey
func (s *Server) handleRotateKey(c echo.Context) error {
	var req struct {
		DID string `json:"did"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid JSON body")
	}
	if req.DID == "" {
		return badRequest(c, "did is required")
	}

	id, err := s.identities.RotateKey(c.Request().Context(), req.DID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return identityNotFound(c, req.DID)
		}
		s.logger.Errorf("Error rotating key for %s: %v", req.DID, err)
		return internalError(c, "Failed to rotate key")
	}

	s.logger.Infof("Rotated signing key for %s", id.DID)
	return c.JSON(http.StatusOK, id)
}
