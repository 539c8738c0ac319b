package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/subha-wp/trading-app/internal/dto"
	"github.com/subha-wp/trading-app/internal/engine"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: transient wraps a cause that may itself be a sentinel.
var errorMappings = []errorMapping{
	{engine.ErrTransient, http.StatusServiceUnavailable, "TEMPORARILY_UNAVAILABLE"},
	{engine.ErrSymbolNotFound, http.StatusNotFound, "SYMBOL_NOT_FOUND"},
	{engine.ErrSymbolDisabled, http.StatusConflict, "SYMBOL_DISABLED"},
	{engine.ErrAmountOutOfRange, http.StatusBadRequest, "AMOUNT_OUT_OF_RANGE"},
	{engine.ErrInvalidDuration, http.StatusBadRequest, "INVALID_DURATION"},
	{engine.ErrInvalidDirection, http.StatusBadRequest, "INVALID_DIRECTION"},
	{engine.ErrInsufficientBalance, http.StatusPaymentRequired, "INSUFFICIENT_BALANCE"},
	{engine.ErrPriceUnavailable, http.StatusServiceUnavailable, "PRICE_UNAVAILABLE"},
	{engine.ErrFeedUnavailable, http.StatusServiceUnavailable, "FEED_UNAVAILABLE"},
	{engine.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"},
}

func respondError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			c.JSON(m.status, dto.ErrorResponse{
				Error: m.target.Error(),
				Code:  m.code,
			})
			return
		}
	}

	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
		Error: "internal server error",
		Code:  "INTERNAL_ERROR",
	})
}

func respondBadRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Error:   "invalid request",
		Code:    code,
		Message: message,
	})
}
