package dto

import (
	"github.com/subha-wp/trading-app/internal/models"
)

type TradeListResponse struct {
	Trades     []models.Order `json:"trades"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalPages int64          `json:"total_pages"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func NewTradeListResponse(trades []models.Order, total int64, filter *TradeFilterRequest) *TradeListResponse {
	if trades == nil {
		trades = []models.Order{}
	}

	totalPages := total / int64(filter.Limit)
	if total%int64(filter.Limit) != 0 {
		totalPages++
	}

	return &TradeListResponse{
		Trades:     trades,
		Total:      total,
		Page:       filter.Page,
		Limit:      filter.Limit,
		TotalPages: totalPages,
	}
}
