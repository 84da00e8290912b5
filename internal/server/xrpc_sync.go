package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/primal-host/primal-coop/internal/firehose"
	"github.com/primal-host/primal-coop/internal/repo"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// Firehose consumers are servers, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSubscribeRepos upgrades to a WebSocket and streams commit
// events. With a cursor the stream first replays every event after it.
// GET /xrpc/coop.sync.subscribeRepos?cursor=&encoding=json|cbor
func (s *Server) handleSubscribeRepos(c echo.Context) error {
	var cursor *int64
	if v := c.QueryParam("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return badRequest(c, "cursor must be a non-negative integer")
		}
		cursor = &n
	}

	encoding := c.QueryParam("encoding")
	switch encoding {
	case "", firehose.EncodingJSON:
		encoding = firehose.EncodingJSON
	case firehose.EncodingCBOR:
	default:
		return badRequest(c, "encoding must be json or cbor")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.logger.Infof("Firehose upgrade failed: %v", err)
		return nil
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	sub, err := s.emitter.Listen(ctx, cursor)
	if err != nil {
		s.logger.Warnf("Firehose subscribe failed: %v", err)
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		return nil
	}
	defer sub.Close()

	s.logger.Debugf("Firehose subscriber %s connected (cursor=%v encoding=%s)", c.RealIP(), c.QueryParam("cursor"), encoding)
	if err := firehose.Stream(ctx, ws, sub, encoding, s.logger); err != nil {
		s.logger.Infof("Firehose subscriber %s dropped: %v", c.RealIP(), err)
	}
	return nil
}

// handleGetRepo returns the full repository as a CAR v1 archive.
// GET /xrpc/coop.sync.getRepo?did=...
func (s *Server) handleGetRepo(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return badRequest(c, "did query parameter is required")
	}

	// Buffer so a failed export can still be reported as JSON.
	var buf bytes.Buffer
	if err := s.repos.Export(c.Request().Context(), did, &buf); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return repoNotFound(c, did)
		}
		s.logger.Errorf("Error exporting repo %s: %v", did, err)
		return internalError(c, "Failed to export repo")
	}
	return c.Blob(http.StatusOK, "application/vnd.ipld.car", buf.Bytes())
}

// handleGetLatestCommit returns the head commit of a repository.
// GET /xrpc/coop.sync.getLatestCommit?did=...
func (s *Server) handleGetLatestCommit(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return badRequest(c, "did query parameter is required")
	}

	head, err := s.repos.Head(c.Request().Context(), did)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return repoNotFound(c, did)
		}
		s.logger.Errorf("Error getting head for %s: %v", did, err)
		return internalError(c, "Failed to get latest commit")
	}
	return c.JSON(http.StatusOK, head)
}
