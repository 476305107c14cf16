package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"voicematch-service/internal/store"
	pkgAuth "voicematch-service/pkg/auth"
	"voicematch-service/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

// Handler pushes match events to a waiting client over a websocket, so
// clients do not have to poll the status endpoint. Events originate from
// the store's per-user pubsub channel, which makes the push work across
// service instances.
type Handler struct {
	store *store.Store
}

func NewHandler(st *store.Store) *Handler {
	return &Handler{store: st}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for dev
	},
}

func (h *Handler) HandleQueueWS(c *gin.Context) {
	token, err := getTokenFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	userID, err := pkgAuth.VerifyCredential(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	logger.Log.Info("queue websocket connected", zap.String("userID", userID))

	sub := h.store.SubscribeMatchEvents(c.Request.Context(), userID)
	client := &client{conn: conn, userID: userID, sub: sub}
	client.run(c.Request.Context())
}

type client struct {
	conn   *websocket.Conn
	userID string
	sub    *redis.PubSub
}

func (cl *client) run(ctx context.Context) {
	defer cl.conn.Close()
	defer cl.sub.Close()

	done := make(chan struct{})

	// Read pump: we never expect client frames beyond pongs and close.
	go func() {
		defer close(done)
		cl.conn.SetReadLimit(1024)
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		cl.conn.SetPongHandler(func(string) error {
			return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := cl.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := cl.sub.Channel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			logger.Log.Info("queue websocket closed", zap.String("userID", cl.userID))
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				logger.Log.Warn("queue websocket write failed",
					zap.String("userID", cl.userID),
					zap.Error(err),
				)
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func getTokenFromRequest(c *gin.Context) (string, error) {
	token := strings.TrimSpace(c.Query("token"))
	if token != "" {
		return token, nil
	}
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token = strings.TrimSpace(parts[1])
			if token != "" {
				return token, nil
			}
		}
	}
	return "", errors.New("missing token")
}
