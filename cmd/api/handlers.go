package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/apperr"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/conversation"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/data"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/messaging"
)

// statusClientClosedRequest is reported when the caller went away mid request.
const statusClientClosedRequest = 499

type sendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Body       string `json:"body"`
}

type deleteMessageRequest struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type groupMessageRequest struct {
	Body string `json:"body"`
}

type deleteGroupMessageRequest struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// getConversation returns one page of the conversation between the caller
// and :userId. Supplying neither page state requests the first page.
func (s *Server) getConversation(c *gin.Context) {
	pageSize, ok := queryInt(c, "pageSize")
	if !ok {
		return
	}

	var cursors *conversation.Cursors
	a, b := queryPtr(c, "pageStateA"), queryPtr(c, "pageStateB")
	if a != nil || b != nil {
		cursors = &conversation.Cursors{A: a, B: b}
	}

	page, err := s.conversations.FetchConversation(c.Request.Context(), callerID(c), c.Param("userId"), pageSize, cursors)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) deleteConversation(c *gin.Context) {
	n, err := s.messages.DeleteConversation(c.Request.Context(), callerID(c), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// postMessage sends a direct message from the caller.
func (s *Server) postMessage(c *gin.Context) {
	var req sendMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := s.messages.InsertDirectMessage(c.Request.Context(), callerID(c), req.ReceiverID, req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// deleteMessage deletes a direct message by its full key.
func (s *Server) deleteMessage(c *gin.Context) {
	var req deleteMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.messages.DeleteDirectMessage(c.Request.Context(), messaging.DeleteDirectRequest{
		ID:          req.ID,
		RequesterID: callerID(c),
		SenderID:    req.SenderID,
		ReceiverID:  req.ReceiverID,
		CreatedAt:   req.CreatedAt,
	})
	writeDeleteResult(c, res, err)
}

func (s *Server) getGroupMessages(c *gin.Context) {
	groupID, ok := paramGroupID(c)
	if !ok {
		return
	}
	pageSize, ok := queryInt(c, "pageSize")
	if !ok {
		return
	}
	page, err := s.conversations.FetchGroupMessages(c.Request.Context(), groupID, pageSize, queryPtr(c, "pageState"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) postGroupMessage(c *gin.Context) {
	groupID, ok := paramGroupID(c)
	if !ok {
		return
	}
	var req groupMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := s.messages.InsertGroupMessage(c.Request.Context(), groupID, callerID(c), req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) deleteGroupMessage(c *gin.Context) {
	groupID, ok := paramGroupID(c)
	if !ok {
		return
	}
	var req deleteGroupMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.messages.DeleteGroupMessage(c.Request.Context(), messaging.DeleteGroupRequest{
		ID:          req.ID,
		GroupID:     groupID,
		RequesterID: callerID(c),
		CreatedAt:   req.CreatedAt,
	})
	writeDeleteResult(c, res, err)
}

// getUser returns a synced profile.
func (s *Server) getUser(c *gin.Context) {
	user, err := s.users.GetUserInfo(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			writeError(c, apperr.NotFound("user not found"))
			return
		}
		writeError(c, apperr.Storage(err))
		return
	}
	c.JSON(http.StatusOK, user)
}

// listUsers returns synced profiles ordered by id. Pass the returned next
// id as ?after= to continue; next is null on the last page.
func (s *Server) listUsers(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	if limit == 0 {
		limit = conversation.DefaultPageSize
	}
	if limit < 1 || limit > conversation.MaxPageSize {
		writeError(c, apperr.Validation("limit must be between 1 and %d", conversation.MaxPageSize))
		return
	}

	users, err := s.users.ListUserInfo(c.Request.Context(), c.Query("after"), limit)
	if err != nil {
		writeError(c, apperr.Storage(err))
		return
	}
	var next *string
	if len(users) == limit {
		next = &users[len(users)-1].ID
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "next": next})
}

func writeDeleteResult(c *gin.Context, res messaging.DeleteResult, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	if res == messaging.NotFound {
		writeError(c, apperr.NotFound("message not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res.String()})
}

// writeError maps an error to its HTTP status. Only the code and message of
// an AppError reach the client.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		c.AbortWithStatus(statusClientClosedRequest)
		return
	case errors.Is(err, context.DeadlineExceeded) && apperr.CodeOf(err) == "":
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"code": "TIMEOUT", "message": "request timed out"})
		return
	}

	var ae *apperr.AppError
	if !errors.As(err, &ae) {
		log.Error("unhandled request error", "path", c.FullPath(), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
		return
	}

	status := statusFor(ae.Code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", c.FullPath(), "code", ae.Code, "err", err)
	}
	c.AbortWithStatusJSON(status, ae)
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation, apperr.CodeInvalidCursor:
		return http.StatusBadRequest
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, apperr.Validation("invalid request body"))
		return false
	}
	return true
}

func queryPtr(c *gin.Context, key string) *string {
	if v, ok := c.GetQuery(key); ok && v != "" {
		return &v
	}
	return nil
}

// queryInt reads an optional integer query parameter; absent means 0.
func queryInt(c *gin.Context, key string) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		writeError(c, apperr.Validation("%s must be an integer", key))
		return 0, false
	}
	return n, true
}

func paramGroupID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("groupId"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, apperr.Validation("groupId must be a positive integer"))
		return 0, false
	}
	return id, true
}
