package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cowritelabs/cowrite/internal/auth"
	"github.com/cowritelabs/cowrite/internal/crdt"
	"github.com/cowritelabs/cowrite/internal/documents"
	"github.com/cowritelabs/cowrite/internal/presence"
	"github.com/cowritelabs/cowrite/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const identityContextKey = "cowrite_identity"

var (
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingDocumentsService = errors.New("documents service dependency required")
	errMissingRelayService     = errors.New("relay dependency required")
	errMissingHubManager       = errors.New("hub manager dependency required")
)

// TokenManager issues and validates the bearer tokens the API accepts.
type TokenManager interface {
	IssueToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.Identity, error)
}

// Dependencies carries everything the HTTP layer needs.
type Dependencies struct {
	TokenManager TokenManager
	Documents    *documents.Service
	Relay        relay.Relay
	Hubs         *HubManager
	Logger       *zap.Logger
}

// NewHTTPHandler wires the REST, SSE, and WebSocket surface of the service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentsService
	}
	if deps.Relay == nil {
		return nil, errMissingRelayService
	}
	if deps.Hubs == nil {
		return nil, errMissingHubManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	authenticator, err := auth.NewRequestAuthenticator(auth.RequestAuthenticatorConfig{
		Validator: deps.TokenManager,
	})
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:        deps.TokenManager,
		authenticator: authenticator,
		documents:     deps.Documents,
		relay:         deps.Relay,
		hubs:          deps.Hubs,
		logger:        logger,
	}

	router.POST("/auth/session", handler.handleCreateSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents", handler.handleListDocuments)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)
	protected.PUT("/documents/:id/title", handler.handleRenameDocument)
	protected.PUT("/documents/:id/visibility", handler.handleSetVisibility)
	protected.GET("/documents/:id/state", handler.handleDocumentState)
	protected.POST("/documents/:id/update", handler.handlePublishUpdate)
	protected.POST("/documents/:id/sync", handler.handleSyncMirror)
	protected.POST("/documents/:id/join", handler.handleJoinDocument)
	protected.POST("/documents/:id/leave", handler.handleLeaveDocument)
	protected.GET("/documents/:id/plain", handler.handlePlainText)
	protected.GET("/documents/:id/collaborators", handler.handleListCollaborators)
	protected.DELETE("/documents/:id/collaborators/:userID", handler.handleRemoveCollaborator)
	protected.GET("/documents/:id/events", handler.handleEventStream)
	protected.GET("/documents/:id/ws", handler.handleWebSocket)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens        TokenManager
	authenticator *auth.RequestAuthenticator
	documents     *documents.Service
	relay         relay.Relay
	hubs          *HubManager
	logger        *zap.Logger
}

type sessionRequestPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := strings.TrimSpace(request.UserID)
	username := strings.TrimSpace(request.Username)
	if userID == "" || username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.Identity{
		UserID:   userID,
		Username: username,
	})
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	response := sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.authenticator.Authenticate(c.Request)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFromContext(c *gin.Context) (auth.Identity, bool) {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	if !ok || identity.UserID == "" {
		return auth.Identity{}, false
	}
	return identity, true
}

type documentPayload struct {
	DocumentID       string `json:"document_id"`
	Title            string `json:"title"`
	OwnerID          string `json:"owner_id"`
	OwnerUsername    string `json:"owner_username"`
	IsPublic         bool   `json:"is_public"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func toDocumentPayload(document documents.Document) documentPayload {
	return documentPayload{
		DocumentID:       document.DocumentID,
		Title:            document.Title,
		OwnerID:          document.OwnerID,
		OwnerUsername:    document.OwnerUsername,
		IsPublic:         document.IsPublic,
		CreatedAtSeconds: document.CreatedAtSeconds,
		UpdatedAtSeconds: document.UpdatedAtSeconds,
	}
}

type createDocumentRequestPayload struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createDocumentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	title, err := documents.NewTitle(request.Title)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
		return
	}
	ownerID, err := documents.NewUserID(identity.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	document, err := h.documents.CreateDocument(c.Request.Context(), ownerID, identity.Username, title)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toDocumentPayload(document))
}

type listDocumentsResponsePayload struct {
	Documents []documentPayload `json:"documents"`
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := documents.NewUserID(identity.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	results, err := h.documents.ListDocuments(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response := listDocumentsResponsePayload{Documents: make([]documentPayload, 0, len(results))}
	for _, document := range results {
		response.Documents = append(response.Documents, toDocumentPayload(document))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	document, err := h.documents.GetDocument(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(document))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	document, err := h.documents.GetDocument(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if document.OwnerID != identity.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	userID, err := documents.NewUserID(identity.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// Close the hub before deleting so its final flush lands while the
	// rows still exist.
	h.hubs.drop(c.Request.Context(), documentID)

	if err := h.documents.DeleteDocument(c.Request.Context(), userID, documentID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type renameRequestPayload struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleRenameDocument(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	var request renameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	title, err := documents.NewTitle(request.Title)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
		return
	}
	userID, err := documents.NewUserID(identity.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	document, err := h.documents.RenameDocument(c.Request.Context(), userID, documentID, title)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(document))
}

type visibilityRequestPayload struct {
	IsPublic *bool `json:"is_public"`
}

func (h *httpHandler) handleSetVisibility(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	var request visibilityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.IsPublic == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := documents.NewUserID(identity.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	document, err := h.documents.SetDocumentVisibility(c.Request.Context(), userID, documentID, *request.IsPublic)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(document))
}

type stateResponsePayload struct {
	Snapshot   []byte `json:"snapshot"`
	MirrorText string `json:"mirror_text"`
}

func (h *httpHandler) handleDocumentState(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	hub, err := h.hubs.acquire(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stateResponsePayload{
		Snapshot:   hub.EncodeState(),
		MirrorText: hub.Text(),
	})
}

type updateRequestPayload struct {
	Update   []byte `json:"update"`
	ClientID string `json:"client_id"`
}

func (h *httpHandler) handlePublishUpdate(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	clientID := strings.TrimSpace(request.ClientID)
	if clientID == "" || len(request.Update) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := crdt.DecodeUpdate(request.Update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_update"})
		return
	}

	// The hub must be subscribed before the event goes out, otherwise the
	// delta would never reach a snapshot.
	if _, err := h.hubs.acquire(c.Request.Context(), documentID); err != nil {
		h.respondServiceError(c, err)
		return
	}

	event := relay.Event{
		Name:     relay.EventUpdate,
		ClientID: clientID,
		Payload:  request.Update,
	}
	if err := h.relay.Publish(c.Request.Context(), relay.DocumentChannel(documentID.String()), event); err != nil {
		h.logger.Error("failed to publish update",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type syncRequestPayload struct {
	Content *string `json:"content"`
}

func (h *httpHandler) handleSyncMirror(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Content == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.documents.SaveMirror(c.Request.Context(), documentID, *request.Content); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type presenceRequestPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	ClientID string `json:"client_id"`
}

func (h *httpHandler) handleJoinDocument(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	var request presenceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := documents.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	username := strings.TrimSpace(request.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	clientKey := strings.TrimSpace(request.ClientID)
	if clientKey == "" {
		clientKey = userID.String()
	}

	hub, err := h.hubs.acquire(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	if err := h.documents.UpsertCollaborator(c.Request.Context(), documentID, userID, username, documents.RoleEditor); err != nil {
		h.respondServiceError(c, err)
		return
	}
	change := presence.Event{Action: presence.ActionJoin, UserID: userID.String(), Username: username}
	if err := h.publishPresence(c.Request.Context(), documentID, clientKey, change); err != nil {
		h.logger.Error("failed to publish presence join",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish_failed"})
		return
	}

	// The join reaches the hub asynchronously, so count the caller
	// explicitly while the roster catches up.
	peers := hub.Peers()
	onlineCount := len(peers)
	joined := false
	for _, entry := range peers {
		if entry.ClientID == clientKey {
			joined = true
			break
		}
	}
	if !joined {
		onlineCount++
	}
	c.JSON(http.StatusOK, gin.H{"online_count": onlineCount})
}

func (h *httpHandler) handleLeaveDocument(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	var request presenceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := documents.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	clientKey := strings.TrimSpace(request.ClientID)
	if clientKey == "" {
		clientKey = userID.String()
	}
	if _, err := h.documents.GetDocument(c.Request.Context(), documentID); err != nil {
		h.respondServiceError(c, err)
		return
	}

	change := presence.Event{Action: presence.ActionLeave, UserID: userID.String(), Username: strings.TrimSpace(request.Username)}
	if err := h.publishPresence(c.Request.Context(), documentID, clientKey, change); err != nil {
		h.logger.Error("failed to publish presence leave",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePlainText(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	text, err := h.documents.PlainText(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}

type collaboratorPayload struct {
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	Role            string `json:"role"`
	JoinedAtSeconds int64  `json:"joined_at_s"`
}

type listCollaboratorsResponsePayload struct {
	Collaborators []collaboratorPayload `json:"collaborators"`
}

func (h *httpHandler) handleListCollaborators(c *gin.Context) {
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	collaborators, err := h.documents.ListCollaborators(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response := listCollaboratorsResponsePayload{Collaborators: make([]collaboratorPayload, 0, len(collaborators))}
	for _, collaborator := range collaborators {
		response.Collaborators = append(response.Collaborators, collaboratorPayload{
			UserID:          collaborator.UserID,
			Username:        collaborator.Username,
			Role:            string(collaborator.Role),
			JoinedAtSeconds: collaborator.JoinedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleRemoveCollaborator(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	documentID, ok := h.documentIDParam(c)
	if !ok {
		return
	}
	callerID, err := documents.NewUserID(identity.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := documents.NewUserID(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.documents.RemoveCollaborator(c.Request.Context(), callerID, documentID, userID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) publishPresence(ctx context.Context, documentID documents.DocumentID, clientID string, change presence.Event) error {
	payload, err := presence.EncodeEvent(change)
	if err != nil {
		return err
	}
	return h.relay.Publish(ctx, relay.DocumentChannel(documentID.String()), relay.Event{
		Name:     relay.EventPresence,
		ClientID: clientID,
		Payload:  payload,
	})
}

func (h *httpHandler) documentIDParam(c *gin.Context) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", false
	}
	return documentID, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, documents.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, documents.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		h.logger.Error("document operation failed", zap.Error(err))
		var serviceErr *documents.ServiceError
		if errors.As(err, &serviceErr) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": serviceErr.Code()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
