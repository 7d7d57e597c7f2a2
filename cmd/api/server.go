package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/conversation"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/data"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/messaging"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/middleware"
)

// ConversationReader is the read side used by the handlers.
type ConversationReader interface {
	FetchConversation(ctx context.Context, userA, userB string, pageSize int, cursors *conversation.Cursors) (*conversation.Page, error)
	FetchGroupMessages(ctx context.Context, groupID int64, pageSize int, cursor *string) (*conversation.GroupPage, error)
}

// MessageMutator is the write side used by the handlers.
type MessageMutator interface {
	InsertDirectMessage(ctx context.Context, sender, receiver, body string) (*data.DirectMessage, error)
	DeleteDirectMessage(ctx context.Context, req messaging.DeleteDirectRequest) (messaging.DeleteResult, error)
	InsertGroupMessage(ctx context.Context, groupID int64, sender, body string) (*data.GroupMessage, error)
	DeleteGroupMessage(ctx context.Context, req messaging.DeleteGroupRequest) (messaging.DeleteResult, error)
	DeleteConversation(ctx context.Context, requester, other string) (int64, error)
}

// ProfileReader looks up synced user profiles.
type ProfileReader interface {
	GetUserInfo(ctx context.Context, id string) (*data.UserInfo, error)
	ListUserInfo(ctx context.Context, afterID string, limit int) ([]*data.UserInfo, error)
}

// Server holds the collaborators the HTTP handlers call into.
type Server struct {
	conversations ConversationReader
	messages      MessageMutator
	users         ProfileReader
	auth          TokenVerifier
	limiter       *middleware.LimiterStore
}

// newServer returns a ready-to-use Server wired with the core components.
func newServer(conversations ConversationReader, messages MessageMutator, users ProfileReader, authMgr TokenVerifier, limiter *middleware.LimiterStore) *Server {
	return &Server{
		conversations: conversations,
		messages:      messages,
		users:         users,
		auth:          authMgr,
		limiter:       limiter,
	}
}

// routes builds the gin engine. Every /v1 route requires an authenticated
// caller; mutations are additionally rate limited per caller.
func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Instrument())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", authMiddleware(s.auth))
	writes := []gin.HandlerFunc{}
	if s.limiter != nil {
		writes = append(writes, middleware.RateLimit(s.limiter))
	}
	with := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, writes...), h)
	}

	v1.GET("/conversations/:userId", s.getConversation)
	v1.DELETE("/conversations/:userId", with(s.deleteConversation)...)

	v1.POST("/messages", with(s.postMessage)...)
	v1.DELETE("/messages", with(s.deleteMessage)...)

	v1.GET("/groups/:groupId/messages", s.getGroupMessages)
	v1.POST("/groups/:groupId/messages", with(s.postGroupMessage)...)
	v1.DELETE("/groups/:groupId/messages", with(s.deleteGroupMessage)...)

	v1.GET("/users", s.listUsers)
	v1.GET("/users/:userId", s.getUser)
	return r
}
