package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/subha-wp/trading-app/internal/dto"
	"github.com/subha-wp/trading-app/internal/engine"
	"github.com/subha-wp/trading-app/internal/middleware"
)

// openTimeout covers the snapshot wait plus the REST fallback.
const openTimeout = 30 * time.Second

type TradeHandler struct {
	engine engine.SettlementEngine
	logger *logrus.Logger
}

func NewTradeHandler(settlement engine.SettlementEngine, logger *logrus.Logger) *TradeHandler {
	return &TradeHandler{
		engine: settlement,
		logger: logger,
	}
}

func (h *TradeHandler) OpenTrade(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "user not authenticated", Code: "AUTH_NOT_AUTHENTICATED"})
		return
	}

	var req dto.OpenTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "INVALID_REQUEST", err.Error())
		return
	}

	amount, err := req.ParsedAmount()
	if err != nil {
		respondBadRequest(c, "INVALID_AMOUNT", "amount must be a decimal number")
		return
	}

	if req.EntryPrice != "" {
		h.logger.WithField("user_id", userID).Debug("Ignoring client supplied entry price")
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), openTimeout)
	defer cancel()

	order, err := h.engine.OpenTrade(ctx, engine.OpenTradeInput{
		UserID:          userID,
		SymbolID:        req.SymbolID,
		Amount:          amount,
		Direction:       req.Direction,
		DurationSeconds: req.Duration,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

func (h *TradeHandler) GetTrade(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "user not authenticated", Code: "AUTH_NOT_AUTHENTICATED"})
		return
	}

	order, err := h.engine.GetOrder(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *TradeHandler) ListTrades(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "user not authenticated", Code: "AUTH_NOT_AUTHENTICATED"})
		return
	}

	var filter dto.TradeFilterRequest
	if err := c.ShouldBindQuery(&filter); err != nil {
		respondBadRequest(c, "INVALID_FILTER", err.Error())
		return
	}
	filter.SetDefaults()

	orders, total, err := h.engine.ListOrders(c.Request.Context(), userID, &filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewTradeListResponse(orders, total, &filter))
}
