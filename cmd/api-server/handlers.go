package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brokerage/compliance-engine/internal/auth"
	"github.com/brokerage/compliance-engine/internal/compliance"
	"github.com/brokerage/compliance-engine/internal/models"
	"github.com/brokerage/compliance-engine/internal/repositories"
	"github.com/brokerage/compliance-engine/internal/surveillance"
)

// statusForError maps the engine's error taxonomy onto HTTP codes.
func statusForError(err error) int {
	var validationErr *models.ValidationError
	var stateErr *models.InvalidStateError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &stateErr):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotRuleOwner):
		return http.StatusForbidden
	case errors.Is(err, models.ErrRuleNotFound),
		errors.Is(err, models.ErrViolationNotFound),
		errors.Is(err, models.ErrRunNotFound),
		errors.Is(err, models.ErrAlertNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

// Rule handlers

func createRuleHandler(store *compliance.RuleStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req compliance.CreateRuleInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		userID, _ := auth.UserIDFromContext(c)
		rule, err := store.CreateRule(c.Request.Context(), req, userID)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusCreated, rule)
	}
}

func updateRuleHandler(store *compliance.RuleStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
			return
		}

		var patch compliance.RulePatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		userID, _ := auth.UserIDFromContext(c)
		rule, err := store.UpdateRule(c.Request.Context(), id, patch, userID)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, rule)
	}
}

func deleteRuleHandler(store *compliance.RuleStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
			return
		}

		userID, _ := auth.UserIDFromContext(c)
		if err := store.DeleteRule(c.Request.Context(), id, userID); err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "rule deleted"})
	}
}

func getRuleHandler(store *compliance.RuleStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
			return
		}

		rule, err := store.GetRule(id)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, rule)
	}
}

func getRulesHandler(store *compliance.RuleStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		rules := store.GetRules(c.Query("category"), c.Query("status"))
		c.JSON(http.StatusOK, gin.H{
			"rules": rules,
			"count": len(rules),
		})
	}
}

func reloadRulesHandler(store *compliance.RuleStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.LoadRules(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "rules reloaded"})
	}
}

// Check handlers

type checkRequest struct {
	UserID      string                 `json:"user_id"`
	PortfolioID string                 `json:"portfolio_id"`
	Fields      map[string]interface{} `json:"fields" binding:"required"`
}

func checkRuleHandler(checker *compliance.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule id"})
			return
		}

		var req checkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.UserID == "" {
			req.UserID, _ = auth.UserIDFromContext(c)
		}

		checker.CheckRule(c.Request.Context(), id, req.UserID, req.PortfolioID, req.Fields)
		c.JSON(http.StatusAccepted, gin.H{"message": "check submitted"})
	}
}

func checkActiveRulesHandler(checker *compliance.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.UserID == "" {
			req.UserID, _ = auth.UserIDFromContext(c)
		}

		checker.CheckActiveRules(c.Request.Context(), req.UserID, req.PortfolioID, req.Fields)
		c.JSON(http.StatusAccepted, gin.H{"message": "checks submitted"})
	}
}

func checkBuiltinHandler(checker *compliance.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")

		var req checkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.UserID == "" {
			req.UserID, _ = auth.UserIDFromContext(c)
		}

		result, err := checker.CheckBuiltin(c.Request.Context(), key, req.UserID, req.PortfolioID, req.Fields)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

// Violation handlers

func getViolationsHandler(manager *compliance.ViolationManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := getIntParam(c, "limit", 0)
		violations, err := manager.GetViolations(
			c.Request.Context(),
			c.Query("user_id"),
			c.Query("status"),
			c.Query("severity"),
			limit,
		)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"violations": violations,
			"count":      len(violations),
		})
	}
}

func acknowledgeViolationHandler(manager *compliance.ViolationManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid violation id"})
			return
		}

		userID, _ := auth.UserIDFromContext(c)
		v, err := manager.AcknowledgeViolation(c.Request.Context(), id, userID)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, v)
	}
}

func resolveViolationHandler(manager *compliance.ViolationManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid violation id"})
			return
		}

		var req struct {
			Resolution string `json:"resolution" binding:"required"`
			Notes      string `json:"notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		userID, _ := auth.UserIDFromContext(c)
		v, err := manager.ResolveViolation(c.Request.Context(), id, req.Resolution, req.Notes, userID)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, v)
	}
}

// Surveillance handlers

func monitorTradesHandler(engine *surveillance.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			PortfolioID string          `json:"portfolio_id" binding:"required"`
			Trades      []*models.Trade `json:"trades" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		userID, _ := auth.UserIDFromContext(c)
		run, err := engine.MonitorTrades(c.Request.Context(), surveillance.MonitorRequest{
			PortfolioID: req.PortfolioID,
			UserID:      userID,
			Trades:      req.Trades,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, run)
	}
}

func runSweepHandler(engine *surveillance.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := engine.RunSurveillanceChecks(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func getRunHandler(engine *surveillance.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		run, err := engine.GetRun(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, run)
	}
}

func getRunsHandler(engine *surveillance.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolioID := c.Query("portfolio_id")
		if portfolioID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "portfolio_id is required"})
			return
		}

		runs, err := engine.GetRunsByPortfolio(c.Request.Context(), portfolioID, getIntParam(c, "limit", 20))
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"runs":  runs,
			"count": len(runs),
		})
	}
}

func getAlertsHandler(alerts *surveillance.AlertManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := repositories.AlertFilter{
			Status:   c.Query("status"),
			Severity: c.Query("severity"),
			Category: c.Query("category"),
			Limit:    getIntParam(c, "limit", 0),
			Offset:   getIntParam(c, "offset", 0),
		}
		if from := c.Query("from"); from != "" {
			t, err := time.Parse(time.RFC3339, from)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp, use RFC3339"})
				return
			}
			filter.From = &t
		}
		if to := c.Query("to"); to != "" {
			t, err := time.Parse(time.RFC3339, to)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp, use RFC3339"})
				return
			}
			filter.To = &t
		}

		result, err := alerts.GetAlerts(c.Request.Context(), filter)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"alerts": result,
			"count":  len(result),
		})
	}
}

func getAlertHandler(alerts *surveillance.AlertManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
			return
		}

		alert, err := alerts.GetAlert(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, alert)
	}
}

// Helper functions

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if val := c.Query(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil && result > 0 {
			return result
		}
	}
	return defaultValue
}
