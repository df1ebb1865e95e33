package frontend

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/driftbase/syncd/internal/account"
	"github.com/driftbase/syncd/internal/external"
	"github.com/driftbase/syncd/internal/handler"
	"github.com/driftbase/syncd/internal/partition"
	"github.com/driftbase/syncd/internal/pull"
	"github.com/driftbase/syncd/internal/push"
	"github.com/driftbase/syncd/internal/syncerr"
)

// registerRoutes sets up all HTTP and WebSocket routes.
func (s *Server) registerRoutes() {
	s.echo.GET("/xrpc/_health", s.handleHealth)

	s.echo.POST("/xrpc/syncd.createSession", s.handleCreateSession)
	s.echo.POST("/xrpc/syncd.refreshSession", s.handleRefreshSession, s.requireRefresh)

	sync := s.echo.Group("", s.requireAuth)
	sync.POST("/xrpc/syncd.push", s.handlePush)
	sync.POST("/xrpc/syncd.pull", s.handlePull)
	sync.GET("/xrpc/syncd.subscribe", s.handleSubscribe)

	admin := s.echo.Group("", s.adminAuth)
	admin.POST("/xrpc/syncd.admin.addPartition", s.handleAddPartition)
	admin.GET("/xrpc/syncd.admin.listPartitions", s.handleListPartitions)
	admin.POST("/xrpc/syncd.admin.updatePartition", s.handleUpdatePartition)
	admin.POST("/xrpc/syncd.admin.createActor", s.handleCreateActor)
	admin.POST("/xrpc/syncd.admin.notifyExternalDataChange", s.handleNotifyExternalDataChange)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": "0.1.0"})
}

// =====================================================================
// Session management
// =====================================================================

type createSessionRequest struct {
	PartitionID string `json:"partitionId"`
	ActorID     string `json:"actorId"`
	Password    string `json:"password"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "Invalid JSON body"})
	}
	if req.PartitionID == "" {
		req.PartitionID = partition.DefaultPartitionID
	}

	actorDB, ok := s.actorDBs[req.PartitionID]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "PartitionNotFound", "message": "Unknown partition: " + req.PartitionID})
	}

	acct, err := actorDB.VerifyPassword(c.Request().Context(), req.ActorID, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "InvalidCredentials", "message": "Unknown actor or wrong password"})
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "InvalidCredentials", "message": "Invalid credentials"})
	}

	tokens, err := s.jwt.CreateTokenPair(acct.ActorID, acct.PartitionID)
	if err != nil {
		log.Printf("Error creating session for %q: %v", req.ActorID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "Failed to create session"})
	}
	return c.JSON(http.StatusOK, tokens)
}

func (s *Server) handleRefreshSession(c echo.Context) error {
	ac := getAuth(c)
	tokens, err := s.jwt.CreateTokenPair(ac.ActorID, ac.PartitionID)
	if err != nil {
		log.Printf("Error refreshing session for %q: %v", ac.ActorID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "Failed to refresh session"})
	}
	return c.JSON(http.StatusOK, tokens)
}

// =====================================================================
// Push / pull
// =====================================================================

type pushRequestBody struct {
	ClientID       string               `json:"clientId"`
	ClientCommitID string               `json:"clientCommitId"`
	SchemaVersion  int                  `json:"schemaVersion"`
	Meta           json.RawMessage      `json:"meta,omitempty"`
	Operations     []handler.Operation  `json:"operations"`
}

func (s *Server) handlePush(c echo.Context) error {
	ac := getAuth(c)
	var body pushRequestBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "Invalid JSON body"})
	}

	pool := s.pools.Get(ac.PartitionID)
	if pool == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "PartitionNotFound", "message": "Unknown partition"})
	}

	resp, err := s.push.Push(c.Request().Context(), pool, push.Request{
		PartitionID:    ac.PartitionID,
		ActorID:        ac.ActorID,
		ClientID:       body.ClientID,
		ClientCommitID: body.ClientCommitID,
		SchemaVersion:  body.SchemaVersion,
		Meta:           body.Meta,
		Operations:     body.Operations,
	})
	if err != nil {
		return writeSyncError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type pullSubscriptionBody struct {
	ID        string              `json:"id"`
	Table     string              `json:"table"`
	ScopeKey  string              `json:"scopeKey"`
	ScopeVars map[string][]string `json:"scopeVars"`
	Cursor    int64               `json:"cursor"`
	RowCursor string              `json:"rowCursor,omitempty"`
	RowLimit  int                 `json:"rowLimit,omitempty"`
}

type pullRequestBody struct {
	ClientID      string                 `json:"clientId"`
	DedupeRows    bool                   `json:"dedupeRows"`
	Subscriptions []pullSubscriptionBody `json:"subscriptions"`
}

func (s *Server) handlePull(c echo.Context) error {
	ac := getAuth(c)
	var body pullRequestBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "Invalid JSON body"})
	}

	pool := s.pools.Get(ac.PartitionID)
	if pool == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "PartitionNotFound", "message": "Unknown partition"})
	}

	subs := make([]pull.SubscriptionRequest, len(body.Subscriptions))
	for i, sub := range body.Subscriptions {
		subs[i] = pull.SubscriptionRequest{
			ID:        sub.ID,
			Table:     sub.Table,
			ScopeKey:  sub.ScopeKey,
			ScopeVars: sub.ScopeVars,
			Cursor:    sub.Cursor,
			RowCursor: sub.RowCursor,
			RowLimit:  sub.RowLimit,
		}
	}

	resp, err := s.pull.Pull(c.Request().Context(), pool, pull.Request{
		PartitionID:   ac.PartitionID,
		ActorID:       ac.ActorID,
		ClientID:      body.ClientID,
		DedupeRows:    body.DedupeRows,
		Subscriptions: subs,
	})
	if err != nil {
		return writeSyncError(c, err)
	}

	// Scope keys may have changed regardless of whether any individual
	// subscription needed a bootstrap this call, so the realtime
	// registry's routing table is refreshed unconditionally.
	scopeKeys := make([]string, 0, len(body.Subscriptions))
	for _, sub := range body.Subscriptions {
		scopeKeys = append(scopeKeys, sub.ScopeKey)
	}
	s.realtime.UpdateClientScopeKeys(body.ClientID, scopeKeys)

	return c.JSON(http.StatusOK, resp)
}

// wsUpgrader allows any origin; the push channel authenticates via the
// session token carried in the initial HTTP upgrade request instead.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSubscribe upgrades to WebSocket and registers the connection
// in the realtime registry so subsequent commits matching the client's
// subscribed scopes are pushed immediately.
func (s *Server) handleSubscribe(c echo.Context) error {
	ac := getAuth(c)
	clientID := c.QueryParam("clientId")
	if clientID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "clientId query parameter is required"})
	}

	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return nil
	}
	defer ws.Close()

	conn := s.realtime.Register(clientID, ac.PartitionID, ws)
	defer s.realtime.CloseClientConnections(clientID)

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return nil
		}
		_ = conn
	}
}

// =====================================================================
// Admin: partitions and actors
// =====================================================================

type addPartitionRequest struct {
	PartitionID string `json:"partitionId"`
}

func (s *Server) handleAddPartition(c echo.Context) error {
	var req addPartitionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "Invalid JSON body"})
	}
	if req.PartitionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "partitionId is required"})
	}

	ctx := c.Request().Context()
	p, err := s.partitions.Ensure(ctx, req.PartitionID)
	if err != nil {
		log.Printf("Error adding partition %q: %v", req.PartitionID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "Failed to add partition"})
	}

	if err := s.mgmtDB.CreatePartitionDB(ctx, p.DBName); err != nil && !isDuplicateKey(err) {
		log.Printf("Error creating partition database %q: %v", p.DBName, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "Failed to create partition database"})
	}
	if err := s.pools.Add(ctx, p.PartitionID, p.DBName); err != nil {
		log.Printf("Error opening partition pool %q: %v", p.PartitionID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "Failed to open partition pool"})
	}

	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleListPartitions(c echo.Context) error {
	partitions, err := s.partitions.List(c.Request().Context())
	if err != nil {
		log.Printf("Error listing partitions: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "Failed to list partitions"})
	}
	return c.JSON(http.StatusOK, map[string]any{"partitions": partitions})
}

type updatePartitionRequest struct {
	PartitionID string `json:"partitionId"`
	Status      string `json:"status"`
}

func (s *Server) handleUpdatePartition(c echo.Context) error {
	var req updatePartitionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "Invalid JSON body"})
	}
	switch req.Status {
	case partition.StatusActive, partition.StatusDisabled:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "status must be 'active' or 'disabled'"})
	}

	p, err := s.partitions.UpdateStatus(c.Request().Context(), req.PartitionID, req.Status)
	if err != nil {
		if errors.Is(err, partition.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "PartitionNotFound", "message": "Partition not found"})
		}
		log.Printf("Error updating partition %q: %v", req.PartitionID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "Failed to update partition"})
	}
	return c.JSON(http.StatusOK, p)
}

type createActorRequest struct {
	PartitionID string `json:"partitionId"`
	ActorID     string `json:"actorId"`
	Password    string `json:"password"`
}

func (s *Server) handleCreateActor(c echo.Context) error {
	var req createActorRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "Invalid JSON body"})
	}

	actorDB, ok := s.actorDBs[req.PartitionID]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "PartitionNotFound", "message": "Unknown partition: " + req.PartitionID})
	}

	password := req.Password
	if password == "" {
		var err error
		password, err = account.GeneratePassword()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "Failed to generate password"})
		}
	}

	acct, err := actorDB.Create(c.Request().Context(), account.CreateParams{
		ActorID:     req.ActorID,
		PartitionID: req.PartitionID,
		Password:    password,
	})
	if err != nil {
		if isDuplicateKey(err) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "ActorTaken", "message": "actorId already taken: " + req.ActorID})
		}
		log.Printf("Error creating actor %q: %v", req.ActorID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "Failed to create actor"})
	}

	return c.JSON(http.StatusOK, map[string]any{"actor": acct, "password": password})
}

type notifyExternalDataChangeRequest struct {
	PartitionID string   `json:"partitionId"`
	Tables      []string `json:"tables"`
	Reason      string   `json:"reason"`
}

func (s *Server) handleNotifyExternalDataChange(c echo.Context) error {
	var req notifyExternalDataChangeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "Invalid JSON body"})
	}

	pool := s.pools.Get(req.PartitionID)
	if pool == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "PartitionNotFound", "message": "Unknown partition"})
	}

	commitSeq, err := s.external.NotifyExternalDataChange(c.Request().Context(), pool, external.Notification{
		PartitionID: req.PartitionID,
		Tables:      req.Tables,
		Reason:      req.Reason,
	})
	if err != nil {
		return writeSyncError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"commitSeq": commitSeq})
}

// =====================================================================
// Helpers
// =====================================================================

func isDuplicateKey(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

// writeSyncError maps a syncerr.Error to its HTTP status and JSON
// envelope, falling back to 500 for unclassified errors.
func writeSyncError(c echo.Context, err error) error {
	se, ok := syncerr.As(err)
	if !ok {
		log.Printf("unclassified error: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "internal error"})
	}

	status := http.StatusInternalServerError
	switch se.Code {
	case syncerr.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case syncerr.CodeForbidden:
		status = http.StatusForbidden
	case syncerr.CodeInvalidRequest, syncerr.CodeSchemaVersionUnsupported, syncerr.CodeUnknownTable:
		status = http.StatusBadRequest
	case syncerr.CodeConflict:
		status = http.StatusConflict
	case syncerr.CodeConstraintViolation:
		status = http.StatusUnprocessableEntity
	case syncerr.CodeCursorAheadOfLog:
		status = http.StatusBadRequest
	case syncerr.CodeRateLimited:
		status = http.StatusTooManyRequests
	case syncerr.CodeSnapshotRowTooLarge, syncerr.CodeSnapshotFormatError:
		status = http.StatusUnprocessableEntity
	}

	return c.JSON(status, map[string]string{
		"error":   string(se.Code),
		"message": se.Message,
	})
}
