package api

import (
	"errors"
	"net/http"
	"strconv"

	"voicematch-service/internal/middleware"
	"voicematch-service/internal/service"
	"voicematch-service/internal/ws"
	appErr "voicematch-service/pkg/errors"
	"voicematch-service/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type Handler struct {
	services *service.Container
	db       *gorm.DB
}

func RegisterRoutes(r *gin.Engine, services *service.Container, db *gorm.DB) {
	handler := &Handler{services: services, db: db}
	wsHandler := ws.NewHandler(services.Store)

	r.GET("/ping", func(c *gin.Context) {
		response.Success(c, gin.H{"message": "pong"})
	})
	r.GET("/health", handler.Health)

	v1 := r.Group("/v1")
	{
		queueGroup := v1.Group("/queue")
		queueGroup.Use(middleware.AuthRequired())
		{
			queueGroup.POST("/join", handler.QueueJoin)
			queueGroup.GET("/current", handler.QueueCurrent)
			queueGroup.DELETE("/:ticketId", handler.QueueCancel)
			queueGroup.GET("/:ticketId/status", handler.QueueStatus)
		}

		pairingGroup := v1.Group("/pairings")
		pairingGroup.Use(middleware.AuthRequired())
		{
			pairingGroup.POST("/:pairingId/join", handler.PairingJoin)
			pairingGroup.POST("/:pairingId/leave", handler.PairingLeave)
		}

		matchGroup := v1.Group("/matches")
		matchGroup.Use(middleware.AuthRequired())
		{
			matchGroup.GET("/history", handler.MatchHistory)
		}
	}

	r.GET("/ws/queue", wsHandler.HandleQueueWS)
}

type queueJoinBody struct {
	Preferences map[string]string `json:"preferences"`
}

func (h *Handler) QueueJoin(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body queueJoinBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	ticketID, err := h.services.Match.Enqueue(c.Request.Context(), userID, body.Preferences)
	if err != nil {
		h.handleQueueError(c, err)
		return
	}

	response.Success(c, gin.H{"ticketId": ticketID})
}

func (h *Handler) QueueCancel(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	ticketID := c.Param("ticketId")
	if ticketID == "" {
		response.Error(c, http.StatusBadRequest, "missing ticket id")
		return
	}

	if err := h.services.Match.Cancel(c.Request.Context(), userID, ticketID); err != nil {
		h.handleQueueError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// QueueCurrent resolves the caller's active ticket without a ticket id,
// so a client can find the fresh ticket issued when an aborted pairing
// re-enqueued it.
func (h *Handler) QueueCurrent(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	status, err := h.services.Match.Current(c.Request.Context(), userID)
	if err != nil {
		h.handleQueueError(c, err)
		return
	}

	response.Success(c, status)
}

func (h *Handler) QueueStatus(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	ticketID := c.Param("ticketId")
	if ticketID == "" {
		response.Error(c, http.StatusBadRequest, "missing ticket id")
		return
	}

	status, err := h.services.Match.Status(c.Request.Context(), userID, ticketID)
	if err != nil {
		h.handleQueueError(c, err)
		return
	}

	response.Success(c, status)
}

func (h *Handler) PairingJoin(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	pairingID := c.Param("pairingId")
	p, err := h.services.Session.MarkJoined(c.Request.Context(), pairingID, userID)
	if err != nil {
		h.handleQueueError(c, err)
		return
	}

	response.Success(c, gin.H{
		"pairingId": p.ID,
		"roomId":    p.RoomID,
		"state":     p.State,
	})
}

func (h *Handler) PairingLeave(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	pairingID := c.Param("pairingId")
	if err := h.services.Session.End(c.Request.Context(), pairingID, userID); err != nil {
		h.handleQueueError(c, err)
		return
	}

	response.SuccessWithMsg(c, gin.H{"state": "ended"}, "")
}

func (h *Handler) MatchHistory(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := parsePositiveInt(raw)
		if err != nil {
			response.Error(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	rows, err := h.services.History.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		peer := row.UserBID
		if peer == userID {
			peer = row.UserAID
		}
		items = append(items, gin.H{
			"pairingId": row.ID,
			"roomId":    row.RoomID,
			"state":     row.State,
			"peerId":    peer,
			"createdAt": row.CreatedAt,
			"endedAt":   row.EndedAt,
		})
	}

	response.Success(c, gin.H{
		"matches": items,
		"total":   len(items),
	})
}

// Health reports readiness of the queue store and the archive database.
// The store is the single source of truth: if it is unreachable the
// service must fail fast rather than fall back to local state.
func (h *Handler) Health(c *gin.Context) {
	if err := h.services.Store.Ping(c.Request.Context()); err != nil {
		response.Error(c, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			response.Error(c, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	response.Success(c, gin.H{"status": "ok"})
}

func (h *Handler) handleQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, appErr.ErrAlreadyQueued):
		response.Error(c, http.StatusConflict, err.Error())
	case errors.Is(err, appErr.ErrAlreadyMatched):
		response.Error(c, http.StatusConflict, err.Error())
	case errors.Is(err, appErr.ErrNoSuchTicket):
		response.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, appErr.ErrPairingNotFound):
		response.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, appErr.ErrPairingClosed):
		response.Error(c, http.StatusGone, err.Error())
	case errors.Is(err, appErr.ErrNotParticipant):
		response.Error(c, http.StatusForbidden, err.Error())
	case errors.Is(err, appErr.ErrStoreUnavailable), errors.Is(err, appErr.ErrBackendUnavailable):
		response.Error(c, http.StatusServiceUnavailable, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, err.Error())
	}
}

func getUserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.ContextUserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func parsePositiveInt(raw string) (int, error) {
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}
