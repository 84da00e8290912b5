package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/primal-coop/internal/identity"
	"github.com/primal-host/primal-coop/internal/repo"
)

// repoNotFound returns a standard error response for missing repos.
func repoNotFound(c echo.Context, repoID string) error {
	return c.JSON(http.StatusNotFound, map[string]string{
		"error":   "RepoNotFound",
		"message": "Repository not found: " + repoID,
	})
}

func recordNotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]string{
		"error":   "RecordNotFound",
		"message": "Record not found",
	})
}

// checkRepoAuth allows admins to write any repo and users only their own.
func checkRepoAuth(c echo.Context, repoDID string) error {
	ac := getAuth(c)
	if ac == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Authentication required",
		})
	}
	if ac.IsAdmin {
		return nil
	}
	if ac.DID != repoDID {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error":   "Forbidden",
			"message": "Cannot modify another identity's repository",
		})
	}
	return nil
}

// writableRepo checks that repoDID is a local identity the caller may
// write. A non-nil error has already been written to the response.
func (s *Server) writableRepo(c echo.Context, repoDID string) (bool, error) {
	if err := checkRepoAuth(c, repoDID); err != nil {
		return false, err
	}
	if _, err := s.identities.Get(c.Request().Context(), repoDID); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return false, repoNotFound(c, repoDID)
		}
		s.logger.Errorf("Error resolving repo %q: %v", repoDID, err)
		return false, internalError(c, "Failed to resolve repo")
	}
	return true, nil
}

// writeError maps repository write errors to responses.
func (s *Server) writeError(c echo.Context, err error, what string) error {
	switch {
	case errors.Is(err, repo.ErrInvalidRecord):
		return badRequest(c, err.Error())
	case errors.Is(err, repo.ErrNotFound):
		return recordNotFound(c)
	case errors.Is(err, repo.ErrExists):
		return c.JSON(http.StatusConflict, map[string]string{
			"error":   "RecordExists",
			"message": err.Error(),
		})
	}
	s.logger.Errorf("Error during %s: %v", what, err)
	return internalError(c, "Failed to "+what)
}

func commitResponse(cm *repo.Commit) map[string]any {
	return map[string]any{
		"uri": cm.URI(),
		"cid": cm.CID,
		"commit": map[string]any{
			"cid": cm.CommitCID,
			"seq": cm.Seq,
		},
	}
}

// --- createRecord ---

type createRecordRequest struct {
	Repo       string          `json:"repo"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record"`
}

// handleCreateRecord writes a new record. With an rkey it behaves like
// putRecord.
// POST /xrpc/coop.repo.createRecord
func (s *Server) handleCreateRecord(c echo.Context) error {
	var req createRecordRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid JSON body")
	}
	if req.Repo == "" || req.Collection == "" || len(req.Record) == 0 {
		return badRequest(c, "repo, collection, and record are required")
	}
	if ok, err := s.writableRepo(c, req.Repo); !ok {
		return err
	}

	ctx := c.Request().Context()
	var cm *repo.Commit
	var err error
	if req.RKey != "" {
		cm, err = s.repos.Put(ctx, req.Repo, req.Collection, req.RKey, req.Record)
	} else {
		cm, err = s.repos.Create(ctx, req.Repo, req.Collection, req.Record)
	}
	if err != nil {
		return s.writeError(c, err, "create record")
	}
	return c.JSON(http.StatusOK, commitResponse(cm))
}

// --- putRecord ---

// handlePutRecord creates or replaces the record at repo/collection/rkey.
// POST /xrpc/coop.repo.putRecord
func (s *Server) handlePutRecord(c echo.Context) error {
	var req createRecordRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid JSON body")
	}
	if req.Repo == "" || req.Collection == "" || req.RKey == "" || len(req.Record) == 0 {
		return badRequest(c, "repo, collection, rkey, and record are required")
	}
	if ok, err := s.writableRepo(c, req.Repo); !ok {
		return err
	}

	cm, err := s.repos.Put(c.Request().Context(), req.Repo, req.Collection, req.RKey, req.Record)
	if err != nil {
		return s.writeError(c, err, "put record")
	}
	return c.JSON(http.StatusOK, commitResponse(cm))
}

// --- deleteRecord ---

type deleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

// handleDeleteRecord tombstones a record.
// POST /xrpc/coop.repo.deleteRecord
func (s *Server) handleDeleteRecord(c echo.Context) error {
	var req deleteRecordRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid JSON body")
	}
	if req.Repo == "" || req.Collection == "" || req.RKey == "" {
		return badRequest(c, "repo, collection, and rkey are required")
	}
	if ok, err := s.writableRepo(c, req.Repo); !ok {
		return err
	}

	cm, err := s.repos.Delete(c.Request().Context(), req.Repo, req.Collection, req.RKey)
	if err != nil {
		return s.writeError(c, err, "delete record")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"commit": map[string]any{
			"cid": cm.CommitCID,
			"seq": cm.Seq,
		},
	})
}

// --- getRecord ---

// handleGetRecord returns the current version of one record.
// GET /xrpc/coop.repo.getRecord?repo=&collection=&rkey=
func (s *Server) handleGetRecord(c echo.Context) error {
	repoID := c.QueryParam("repo")
	collection := c.QueryParam("collection")
	rkey := c.QueryParam("rkey")
	if repoID == "" || collection == "" || rkey == "" {
		return badRequest(c, "repo, collection, and rkey query parameters are required")
	}

	rec, err := s.repos.Get(c.Request().Context(), repoID, collection, rkey)
	if err != nil {
		return s.writeError(c, err, "get record")
	}
	return c.JSON(http.StatusOK, rec)
}

// --- listRecords ---

// handleListRecords pages through a collection ordered by rkey.
// GET /xrpc/coop.repo.listRecords?repo=&collection=&limit=&cursor=&reverse=&includeDeleted=
func (s *Server) handleListRecords(c echo.Context) error {
	repoID := c.QueryParam("repo")
	collection := c.QueryParam("collection")
	if repoID == "" || collection == "" {
		return badRequest(c, "repo and collection query parameters are required")
	}

	opts := repo.ListOptions{Cursor: c.QueryParam("cursor")}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return badRequest(c, "limit must be between 1 and 100")
		}
		opts.Limit = n
	}
	opts.Reverse = c.QueryParam("reverse") == "true"
	opts.IncludeDeleted = c.QueryParam("includeDeleted") == "true"

	records, cursor, err := s.repos.List(c.Request().Context(), repoID, collection, opts)
	if err != nil {
		return s.writeError(c, err, "list records")
	}
	if records == nil {
		records = []*repo.Record{}
	}

	resp := map[string]any{"records": records}
	if cursor != "" {
		resp["cursor"] = cursor
	}
	return c.JSON(http.StatusOK, resp)
}

// --- getRecordHistory ---

// handleGetRecordHistory returns every commit that touched a record.
// GET /xrpc/coop.repo.getRecordHistory?uri=
func (s *Server) handleGetRecordHistory(c echo.Context) error {
	uri := c.QueryParam("uri")
	if uri == "" {
		return badRequest(c, "uri query parameter is required")
	}

	commits, err := s.repos.History(c.Request().Context(), uri)
	if err != nil {
		return s.writeError(c, err, "get record history")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"uri":     uri,
		"commits": commits,
	})
}
