package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"trading-guardian/internal/auth"
	"trading-guardian/internal/events"
	"trading-guardian/internal/metrics"
)

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password required"})
		return
	}

	token, err := s.authService.Login(req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   s.authService.JWTManager().AccessTokenSeconds(),
	})
}

// handleGuardStatus reports the global flags plus, when account_id is given,
// that account's breaker ledger.
func (s *Server) handleGuardStatus(c *gin.Context) {
	system, err := s.repo.GetSystemGuardState(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	response := gin.H{"system": system}
	if accountID := c.Query("account_id"); accountID != "" {
		state, err := s.repo.GetTradingGuardState(c.Request.Context(), accountID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		response["account"] = state
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleBreakerStatus(c *gin.Context) {
	accountID := c.Param("accountId")
	decision, err := s.breaker.CanTrade(c.Request.Context(), accountID, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	state, err := s.repo.GetTradingGuardState(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": decision, "state": state})
}

func (s *Server) handleClearSafeMode(c *gin.Context) {
	if err := s.repo.ClearSafeMode(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	metrics.SafeMode.Set(0)
	s.publishAdminAction(c, events.EventSafeModeCleared)
	s.logger.Warn().Str("admin", adminEmail(c)).Msg("safe mode cleared by operator")
	c.JSON(http.StatusOK, gin.H{"safe_mode": false})
}

func (s *Server) handleClearPanicMode(c *gin.Context) {
	if err := s.repo.ClearPanicMode(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	metrics.PanicMode.Set(0)
	s.publishAdminAction(c, events.EventPanicCleared)
	s.logger.Warn().Str("admin", adminEmail(c)).Msg("panic mode cleared by operator")
	c.JSON(http.StatusOK, gin.H{"panic_mode": false})
}

type panicRequest struct {
	AccountID string `json:"account_id"` // empty = all accounts
}

func (s *Server) handleTriggerPanic(c *gin.Context) {
	var req panicRequest
	c.ShouldBindJSON(&req) // body optional

	if err := s.panicSvc.Panic(c.Request.Context(), req.AccountID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Error().Str("admin", adminEmail(c)).Str("account_id", req.AccountID).Msg("panic triggered by operator")
	c.JSON(http.StatusOK, gin.H{"panic_mode": true, "account_id": req.AccountID})
}

func (s *Server) handleManualReconcile(c *gin.Context) {
	report, err := s.reconciler.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleExitRetries(c *gin.Context) {
	entries, err := s.repo.GetUnresolvedExitRetries(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleRecentEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	guardEvents, err := s.repo.GetRecentGuardEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": guardEvents, "count": len(guardEvents)})
}

func (s *Server) publishAdminAction(c *gin.Context, eventType events.EventType) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(events.Event{
		Type: eventType,
		Data: map[string]interface{}{
			"reason": "operator action",
			"admin":  adminEmail(c),
		},
	})
}

func adminEmail(c *gin.Context) string {
	if email, ok := c.Get(auth.ContextKeyAdminEmail); ok {
		if s, ok := email.(string); ok {
			return s
		}
	}
	return "unknown"
}
