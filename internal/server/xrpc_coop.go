package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/primal-coop/internal/appview"
	"github.com/primal-host/primal-coop/internal/httpsig"
	"github.com/primal-host/primal-coop/internal/membership"
	"github.com/primal-host/primal-coop/internal/outbox"
	"github.com/primal-host/primal-coop/internal/repo"
	"github.com/primal-host/primal-coop/internal/saga"
)

// InboxCollection holds federation messages received by this instance.
const InboxCollection = "coop.federation.message"

// inboxRecord is stored in the instance repository for every accepted
// federation message.
type inboxRecord struct {
	Type       string          `json:"$type"`
	Sender     string          `json:"sender"`
	Verified   bool            `json:"verified"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt string          `json:"receivedAt"`
}

// --- Federation ---

// handleFederationReceive accepts a signed message from another
// instance and appends it to the instance repository, where it reaches
// the firehose like any other commit.
// POST /xrpc/coop.federation.receive
func (s *Server) handleFederationReceive(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, httpsig.MaxBodySize))
	if err != nil {
		return badRequest(c, "Could not read request body")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return badRequest(c, "Body must be a JSON object")
	}

	sender := httpsig.SignerDID(c)
	verified := sender != ""
	if !verified {
		// Let through as a local session.
		if ac := getAuth(c); ac != nil && !ac.IsAdmin {
			sender = ac.DID
		} else {
			sender = s.identities.InstanceDID()
		}
	}

	rec, err := json.Marshal(inboxRecord{
		Type:       InboxCollection,
		Sender:     sender,
		Verified:   verified,
		Payload:    body,
		ReceivedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return internalError(c, "Failed to encode message")
	}

	cm, err := s.repos.Create(c.Request().Context(), s.identities.InstanceDID(), InboxCollection, rec)
	if err != nil {
		return s.writeError(c, err, "store federation message")
	}
	s.logger.Infof("Accepted federation message from %s as %s", sender, cm.URI())
	return c.JSON(http.StatusOK, commitResponse(cm))
}

// --- Membership ---

type requestJoinRequest struct {
	// Member is only honored for admin callers; users join as themselves.
	Member      string `json:"member"`
	Cooperative string `json:"cooperative"`
	Message     string `json:"message"`
}

// handleRequestJoin runs the membership saga for the caller.
// POST /xrpc/coop.membership.requestJoin
func (s *Server) handleRequestJoin(c echo.Context) error {
	var req requestJoinRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid JSON body")
	}

	ac := getAuth(c)
	member := ac.DID
	if ac.IsAdmin {
		member = req.Member
	}
	if member == "" || req.Cooperative == "" {
		return badRequest(c, "cooperative is required (and member, for admin callers)")
	}
	if ok, err := s.writableRepo(c, member); !ok {
		return err
	}

	cm, err := s.membership.RequestJoin(c.Request().Context(), member, req.Cooperative, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, membership.ErrInvalid), errors.Is(err, repo.ErrInvalidRecord):
			return badRequest(c, err.Error())
		case failedAt(err, membership.NotifyHub{}.Name()):
			s.logger.Warnf("Membership request for %s in %s rolled back: %v", member, req.Cooperative, err)
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error":   "HubUnavailable",
				"message": "The hub could not be notified; the request was withdrawn",
			})
		}
		s.logger.Errorf("Error requesting membership for %s in %s: %v", member, req.Cooperative, err)
		return internalError(c, "Failed to request membership")
	}
	return c.JSON(http.StatusOK, commitResponse(cm))
}

// --- AppView ---

// handleAppViewGetRecord returns the indexed view of a record.
// GET /xrpc/coop.appview.getRecord?uri=
func (s *Server) handleAppViewGetRecord(c echo.Context) error {
	uri := c.QueryParam("uri")
	if uri == "" {
		return badRequest(c, "uri query parameter is required")
	}

	rv, err := s.appview.GetRecord(uri)
	if err != nil {
		if errors.Is(err, appview.ErrNotFound) {
			return recordNotFound(c)
		}
		s.logger.Errorf("Error reading appview record %s: %v", uri, err)
		return internalError(c, "Failed to get record")
	}
	return c.JSON(http.StatusOK, rv)
}

// handleListMembers pages through membership requests for a cooperative.
// GET /xrpc/coop.appview.listMembers?cooperative=&limit=&cursor=
func (s *Server) handleListMembers(c echo.Context) error {
	coop := c.QueryParam("cooperative")
	if coop == "" {
		return badRequest(c, "cooperative query parameter is required")
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return badRequest(c, "limit must be between 1 and 100")
		}
		limit = n
	}

	members, cursor, err := s.appview.ListMembers(coop, limit, c.QueryParam("cursor"))
	if err != nil {
		s.logger.Errorf("Error listing members of %s: %v", coop, err)
		return internalError(c, "Failed to list members")
	}
	if members == nil {
		members = []appview.MemberView{}
	}

	resp := map[string]any{"cooperative": coop, "members": members}
	if cursor != "" {
		resp["cursor"] = cursor
	}
	return c.JSON(http.StatusOK, resp)
}

// --- Admin: records and outbox ---

// handleInvalidateRecord hides a record from reads without a commit.
// POST /xrpc/coop.admin.invalidateRecord
func (s *Server) handleInvalidateRecord(c echo.Context) error {
	var req struct {
		URI    string `json:"uri"`
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid JSON body")
	}
	if req.URI == "" {
		return badRequest(c, "uri is required")
	}

	if err := s.repos.Invalidate(c.Request().Context(), req.URI, req.Reason); err != nil {
		return s.writeError(c, err, "invalidate record")
	}
	s.logger.Infof("Invalidated %s (%s)", req.URI, req.Reason)
	return c.JSON(http.StatusOK, map[string]string{"uri": req.URI})
}

// handleListOutbox lists outbox messages, newest first.
// GET /xrpc/coop.admin.listOutbox?status=&limit=
func (s *Server) handleListOutbox(c echo.Context) error {
	status := c.QueryParam("status")
	switch status {
	case "", outbox.StatusPending, outbox.StatusSending, outbox.StatusSent, outbox.StatusFailed, outbox.StatusDead:
	default:
		return badRequest(c, "unknown status "+status)
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return badRequest(c, "limit must be a positive integer")
		}
		limit = n
	}

	msgs, err := s.outbox.List(c.Request().Context(), status, limit)
	if err != nil {
		s.logger.Errorf("Error listing outbox: %v", err)
		return internalError(c, "Failed to list outbox")
	}
	if msgs == nil {
		msgs = []outbox.Message{}
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

// handleRequeueOutbox returns a dead message to the queue.
// POST /xrpc/coop.admin.requeueOutbox
func (s *Server) handleRequeueOutbox(c echo.Context) error {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid JSON body")
	}
	if req.ID <= 0 {
		return badRequest(c, "id is required")
	}

	m, err := s.outbox.Requeue(c.Request().Context(), req.ID)
	if err != nil {
		switch {
		case errors.Is(err, outbox.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "MessageNotFound",
				"message": err.Error(),
			})
		case errors.Is(err, outbox.ErrNotDead):
			return c.JSON(http.StatusConflict, map[string]string{
				"error":   "NotDead",
				"message": err.Error(),
			})
		}
		s.logger.Errorf("Error requeueing outbox message %d: %v", req.ID, err)
		return internalError(c, "Failed to requeue message")
	}

	if s.wake != nil {
		s.wake()
	}
	s.logger.Infof("Requeued outbox message %d to %s", m.ID, m.TargetURL)
	return c.JSON(http.StatusOK, m)
}

// failedAt reports whether err is a saga failure at the named step.
func failedAt(err error, step string) bool {
	var se *saga.Error
	return errors.As(err, &se) && se.Step == step
}
