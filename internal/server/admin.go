package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KyFuirY/FreelanceOS/internal/audit"
	"github.com/KyFuirY/FreelanceOS/internal/ratelimit"
	"github.com/KyFuirY/FreelanceOS/internal/secrets"
	"github.com/KyFuirY/FreelanceOS/internal/tokens"
	apperrors "github.com/KyFuirY/FreelanceOS/pkg/errors"
)

var statusCategories = []ratelimit.Category{
	ratelimit.CategoryAuth,
	ratelimit.CategoryCreate,
	ratelimit.CategoryRead,
	ratelimit.CategoryUpdate,
	ratelimit.CategoryDelete,
	ratelimit.CategoryGeneral,
	ratelimit.CategoryGlobal,
}

func (s *Server) registerAdmin(admin *gin.RouterGroup) {
	rateLimit := admin.Group("/rate-limits")
	{
		rateLimit.GET("/clients/:client", s.handleClientStatus)
		rateLimit.DELETE("/clients/:client", s.handleUnblock)
	}

	keys := admin.Group("/secrets")
	{
		keys.GET("", s.handleListSecrets)
		keys.POST("/:name/rotate", s.handleRotateSecret)
		keys.DELETE("/:name", s.handleRevokeSecret)
	}

	if s.deps.Events != nil {
		admin.GET("/security-events", s.handleSecurityEvents)
	}
}

func (s *Server) handleClientStatus(c *gin.Context) {
	client := c.Param("client")
	out := make([]ratelimit.Status, 0, len(statusCategories))
	for _, cat := range statusCategories {
		st, err := s.deps.Limiter.Status(c.Request.Context(), client, cat)
		if err != nil {
			_ = c.Error(apperrors.ExternalService.Wrap(err))
			return
		}
		out = append(out, st)
	}
	c.JSON(http.StatusOK, gin.H{"client": client, "categories": out})
}

func (s *Server) handleUnblock(c *gin.Context) {
	client := c.Param("client")
	if err := s.deps.Limiter.Unblock(c.Request.Context(), client); err != nil {
		_ = c.Error(apperrors.ExternalService.Wrap(err))
		return
	}
	s.logger.Info("Client unblocked by operator",
		zap.String("client", client),
		zap.String("operator", c.GetString(tokens.SubjectKey)))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListSecrets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"secrets": s.deps.Secrets.ListMetadata()})
}

func (s *Server) handleRotateSecret(c *gin.Context) {
	name := c.Param("name")
	if err := s.deps.Secrets.Rotate(c.Request.Context(), name); err != nil {
		_ = c.Error(secretError(err))
		return
	}
	meta, _ := s.deps.Secrets.Metadata(name)
	c.JSON(http.StatusOK, meta)
}

func (s *Server) handleRevokeSecret(c *gin.Context) {
	if err := s.deps.Secrets.Revoke(c.Request.Context(), c.Param("name")); err != nil {
		_ = c.Error(secretError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func secretError(err error) error {
	switch {
	case errors.Is(err, secrets.ErrNotFound):
		return apperrors.NotFound.Wrap(err)
	case errors.Is(err, secrets.ErrRevoked):
		return apperrors.Validation.Wrap(err).Explain("secret is revoked")
	}
	return apperrors.Internal.Wrap(err)
}

func (s *Server) handleSecurityEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		_ = c.Error(apperrors.Validation.WithField("range", "limit", "must be between 1 and 500"))
		return
	}
	events, err := s.deps.Events.Recent(c.Request.Context(), audit.EventType(c.Query("type")), limit)
	if err != nil {
		_ = c.Error(apperrors.Database.Wrap(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
