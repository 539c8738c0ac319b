package dto

import (
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/subha-wp/trading-app/internal/models"
)

// OpenTradeRequest is the body of POST /api/v1/trades. EntryPrice is accepted
// for client compatibility and never used: the engine captures the entry price.
type OpenTradeRequest struct {
	SymbolID   string           `json:"symbol_id" binding:"required,max=32"`
	Amount     string           `json:"amount" binding:"required,decimal_amount"`
	Direction  models.Direction `json:"direction" binding:"required,oneof=up down"`
	Duration   int64            `json:"duration"`
	EntryPrice string           `json:"entry_price,omitempty"`
}

type TradeFilterRequest struct {
	Status   *models.OrderStatus `form:"status" binding:"omitempty,oneof=pending resolved failed"`
	SymbolID *string             `form:"symbol_id"`
	Page     int                 `form:"page"`
	Limit    int                 `form:"limit"`
}

func (r *OpenTradeRequest) ParsedAmount() (decimal.Decimal, error) {
	return decimal.NewFromString(r.Amount)
}

func (r *TradeFilterRequest) SetDefaults() {
	if r.Page <= 0 {
		r.Page = 1
	}

	if r.Limit <= 0 || r.Limit > 100 {
		r.Limit = 20
	}
}

func (r *TradeFilterRequest) GetOffset() int {
	return (r.Page - 1) * r.Limit
}

// RegisterValidators adds the custom binding rules used by request DTOs.
func RegisterValidators(v *validator.Validate) error {
	return v.RegisterValidation("decimal_amount", func(fl validator.FieldLevel) bool {
		_, err := decimal.NewFromString(fl.Field().String())
		return err == nil
	})
}

type ValidationError struct {
	Message string `json:"message"`
}

func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

func (e *ValidationError) Error() string {
	return e.Message
}

var ErrInvalidAmountFormat = NewValidationError("amount must be a decimal number")
