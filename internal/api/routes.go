package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/switchboard/internal/chat"
	"github.com/zulandar/switchboard/internal/fault"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, facade *chat.Facade) {
	api := router.Group("/api")
	api.POST("/chats", handleCreate(facade))
	api.GET("/chats/:id", handleGet(facade))
	api.POST("/chats/:id/messages", handlePost(facade))
	api.POST("/chats/:id/close", handleClose(facade))
	api.POST("/chats/:id/handover", handleHandOver(facade))
	api.POST("/chats/:id/handback", handleHandBack(facade))
	api.GET("/chats/:id/messages", handleMessages(facade))
	api.GET("/chats/:id/events", handleEvents(facade))
}

// ownerID identifies the caller. There is no auth layer here; the header is
// trusted and access control is ownership only.
func ownerID(c *gin.Context) (string, bool) {
	owner := c.GetHeader("X-Owner-ID")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Owner-ID header is required"})
		return "", false
	}
	return owner, true
}

// statusFor maps fault codes to HTTP statuses.
func statusFor(err error) int {
	switch fault.CodeOf(err) {
	case fault.NotFound:
		return http.StatusNotFound
	case fault.PermissionDenied:
		return http.StatusForbidden
	case fault.FailedPrecondition:
		return http.StatusPreconditionFailed
	case fault.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

type createRequest struct {
	Config   string   `json:"config" binding:"required"`
	Messages []string `json:"messages"`
	Meta     string   `json:"meta"`
}

func handleCreate(facade *chat.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerID(c)
		if !ok {
			return
		}
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		snap, err := facade.Create(c.Request.Context(), owner, req.Config, req.Messages, req.Meta)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, snap)
	}
}

func handleGet(facade *chat.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerID(c)
		if !ok {
			return
		}
		snap, err := facade.Get(c.Request.Context(), owner, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

type messagesRequest struct {
	Messages []string `json:"messages"`
}

func handlePost(facade *chat.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerID(c)
		if !ok {
			return
		}
		var req messagesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		snap, err := facade.PostMessage(c.Request.Context(), owner, c.Param("id"), req.Messages)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, snap)
	}
}

func handleClose(facade *chat.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerID(c)
		if !ok {
			return
		}
		var req messagesRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		snap, err := facade.CloseChat(c.Request.Context(), owner, c.Param("id"), req.Messages)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, snap)
	}
}

type handOverRequest struct {
	Config   string   `json:"config" binding:"required"`
	Messages []string `json:"messages"`
	Meta     string   `json:"meta"`
}

func handleHandOver(facade *chat.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerID(c)
		if !ok {
			return
		}
		var req handOverRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		snap, err := facade.HandOver(c.Request.Context(), owner, c.Param("id"), req.Config, req.Messages, req.Meta)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, snap)
	}
}

func handleHandBack(facade *chat.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerID(c)
		if !ok {
			return
		}
		var req messagesRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		snap, err := facade.HandBack(c.Request.Context(), owner, c.Param("id"), req.Messages)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, snap)
	}
}

func handleMessages(facade *chat.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerID(c)
		if !ok {
			return
		}
		msgs, err := facade.Messages(c.Request.Context(), owner, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		out := make([]gin.H, len(msgs))
		for i, m := range msgs {
			out[i] = gin.H{
				"role":       m.Role,
				"content":    m.Content,
				"dispatchId": m.DispatchID,
				"createdAt":  m.CreatedAt,
			}
		}
		c.JSON(http.StatusOK, gin.H{"messages": out})
	}
}
