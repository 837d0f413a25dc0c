package server

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/airband/config"
	"github.com/mossy-p/airband/internal/auth"
	"github.com/mossy-p/airband/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const tokenTTL = 24 * time.Hour

// Handler wires the signaling registry into the HTTP router.
type Handler struct {
	cfg      *config.Config
	registry *Registry
	shutdown *bus.Shutdown
}

func NewHandler(cfg *config.Config, registry *Registry, shutdown *bus.Shutdown) *Handler {
	return &Handler{cfg: cfg, registry: registry, shutdown: shutdown}
}

// Register mounts all routes on the router.
func (h *Handler) Register(router *gin.Engine) {
	router.Use(OriginFilter(h.cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		// Token endpoint (public); stands in for the external token
		// service in deployments without one.
		apiGroup.POST("/auth/token", h.IssueToken)

		// Connected-client snapshot (requires JWT)
		apiGroup.GET("/clients", JWTAuth(h.cfg.JWTSecret), h.ListClients)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", h.HandleSignaling)
	}
}

// TokenRequest is the request body for issuing a signaling token
type TokenRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	DisplayName string `json:"display_name"`
	Frequency   string `json:"frequency"`
}

// TokenResponse is the response for issuing a signaling token
type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// IssueToken signs a signaling JWT for the requested identity.
func (h *Handler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}

	token, err := auth.IssueToken(h.cfg.JWTSecret, req.UserID, req.DisplayName, req.Frequency, tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, TokenResponse{Token: token, UserID: req.UserID})
}

// ListClients returns the currently connected clients.
func (h *Handler) ListClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": h.registry.Clients()})
}

// HandleSignaling upgrades the connection and hands it to a session
// actor. Authentication happens in-band: the first application message
// on the socket must be a Login.
func (h *Handler) HandleSignaling(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	connID := uuid.New().String()
	log.Printf("Session %s: connection from %s", connID, c.ClientIP())

	session := NewSession(connID, conn, h.registry, h.shutdown, h.cfg.LoginTimeout)
	go session.Run()
}

// JWTAuth creates middleware that validates signaling JWTs
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid authorization header format",
			})
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &auth.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(jwtSecret), nil
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
			})
			return
		}

		if claims, ok := token.Claims.(*auth.JWTClaims); ok && token.Valid {
			c.Set("user_id", claims.UserID)
			c.Next()
		} else {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token claims",
			})
		}
	}
}

// OriginFilter rejects browser traffic from origins outside the allow
// list. Native clients (the reference client, simulator plugins) send no
// Origin header and pass through; older browsers put the WebSocket
// origin in Sec-WebSocket-Origin, so that header is consulted too.
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = c.GetHeader("Sec-WebSocket-Origin")
		}
		if origin == "" {
			c.Next()
			return
		}

		if !originAllowed(origin, allowedOrigins) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Origin not allowed",
			})
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	return false
}
