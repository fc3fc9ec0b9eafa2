package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"careintake/internal/billing"
	"careintake/internal/core"
	"careintake/internal/types"
)

// DiscountResolver applies a promotion code to an amount.
type DiscountResolver interface {
	Resolve(ctx context.Context, code string, baseAmount int64, currency string) (billing.DiscountResult, error)
}

// MarketLookup resolves a market code to its price and currency.
type MarketLookup interface {
	Lookup(code string) (billing.Market, bool)
}

// ValidateDiscountRequest is the body of POST /v1/discounts/validate.
// Amount is in minor units. MarketCode selects the currency; without it
// the default currency applies.
type ValidateDiscountRequest struct {
	DiscountCode string `json:"discount_code" validate:"required,notblank"`
	Amount       int64  `json:"amount" validate:"required,gt=0"`
	MarketCode   string `json:"market_code,omitempty"`
}

// ValidateDiscountResponse reports the effect of the code. An unusable
// code is valid=false with the reason in error.
type ValidateDiscountResponse struct {
	Valid          bool    `json:"valid"`
	DiscountAmount int64   `json:"discount_amount,omitempty"`
	PercentOff     float64 `json:"percent_off,omitempty"`
	FinalAmount    int64   `json:"final_amount,omitempty"`
	FreeAccess     bool    `json:"free_access,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// DiscountHandler previews discount codes for the signup form.
type DiscountHandler struct {
	resolver        DiscountResolver
	markets         MarketLookup
	validator       billing.StructValidator
	defaultCurrency string
	logger          *slog.Logger
}

func NewDiscountHandler(resolver DiscountResolver, markets MarketLookup, v billing.StructValidator, defaultCurrency string, l *slog.Logger) *DiscountHandler {
	if l == nil {
		l = slog.Default()
	}
	return &DiscountHandler{
		resolver:        resolver,
		markets:         markets,
		validator:       v,
		defaultCurrency: defaultCurrency,
		logger:          l,
	}
}

// RegisterRoutes mounts the discount endpoint on the /v1 router.
func (h *DiscountHandler) RegisterRoutes(r chi.Router) {
	r.Post("/discounts/validate", h.Validate)
}

// Validate handles POST /v1/discounts/validate.
func (h *DiscountHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateDiscountRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	currency := h.defaultCurrency
	if req.MarketCode != "" {
		market, ok := h.markets.Lookup(req.MarketCode)
		if !ok {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidMarket,
				"unsupported market", nil, map[string]any{"field": "market_code"}))
			return
		}
		currency = market.Currency
	}

	res, err := h.resolver.Resolve(r.Context(), req.DiscountCode, req.Amount, currency)
	if err != nil {
		h.logger.WarnContext(r.Context(), "discount lookup failed", "error", err)
		core.Error(w, r, err)
		return
	}

	if !res.Valid {
		core.JSON(w, r, http.StatusOK, ValidateDiscountResponse{Error: res.Reason})
		return
	}
	core.JSON(w, r, http.StatusOK, ValidateDiscountResponse{
		Valid:          true,
		DiscountAmount: res.DiscountAmount,
		PercentOff:     res.PercentOff,
		FinalAmount:    res.FinalAmount,
		FreeAccess:     res.IsFree(),
	})
}
