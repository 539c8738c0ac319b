package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/subha-wp/trading-app/internal/dto"
	"github.com/subha-wp/trading-app/internal/engine"
	"github.com/subha-wp/trading-app/internal/middleware"
	"github.com/subha-wp/trading-app/internal/models"
)

// AccountHandler serves read-only views: the caller's balance and the tradable symbols.
type AccountHandler struct {
	engine engine.SettlementEngine
}

func NewAccountHandler(settlement engine.SettlementEngine) *AccountHandler {
	return &AccountHandler{engine: settlement}
}

func (h *AccountHandler) GetBalance(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "user not authenticated", Code: "AUTH_NOT_AUTHENTICATED"})
		return
	}

	balance, err := h.engine.GetBalance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (h *AccountHandler) ListSymbols(c *gin.Context) {
	symbols, err := h.engine.ListSymbols(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if symbols == nil {
		symbols = []models.Symbol{}
	}

	c.JSON(http.StatusOK, gin.H{"symbols": symbols})
}
