package billing

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"careintake/internal/external"
	"careintake/internal/types"
)

// Reasons reported for an unusable discount code.
const (
	ReasonCodeNotFound      = "discount code not found"
	ReasonCodeInactive      = "discount code is no longer active"
	ReasonCodeExpired       = "discount code has expired"
	ReasonCodeExhausted     = "discount code has reached its usage limit"
	ReasonCouponInvalid     = "discount code is no longer valid"
	ReasonCurrencyMismatch  = "discount code is not valid for this currency"
	ReasonMinimumNotReached = "order total does not meet the discount code minimum"
)

// PromotionLookup finds a promotion code at the payment provider.
type PromotionLookup interface {
	LookupPromotionCode(ctx context.Context, code string) (*external.PromotionCode, error)
}

// DiscountResult describes what a code does to baseAmount. An unusable
// code is Valid=false with a Reason, not an error.
type DiscountResult struct {
	Valid           bool
	Reason          string
	Code            string
	PromotionCodeID string
	PercentOff      float64
	DiscountAmount  int64
	FinalAmount     int64
}

// IsFree reports whether the code covers the whole amount.
func (r DiscountResult) IsFree() bool {
	return r.Valid && r.FinalAmount == 0
}

// DiscountResolver validates promotion codes against the payment provider.
type DiscountResolver struct {
	lookup PromotionLookup
	clock  types.Clock
	logger *slog.Logger
}

// NewDiscountResolver creates a resolver over the provider lookup.
func NewDiscountResolver(lookup PromotionLookup, clock types.Clock, logger *slog.Logger) *DiscountResolver {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscountResolver{lookup: lookup, clock: clock, logger: logger}
}

// Resolve looks code up and applies it to baseAmount minor units of
// currency. Provider failures are returned as upstream_* errors.
func (d *DiscountResolver) Resolve(ctx context.Context, code string, baseAmount int64, currency string) (DiscountResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return DiscountResult{}, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"discount_code is required", nil, map[string]any{"field": "discount_code"})
	}
	if baseAmount <= 0 {
		return DiscountResult{}, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAmount,
			"amount must be a positive number of minor units", nil, map[string]any{"field": "amount"})
	}
	currency = strings.ToLower(currency)

	promo, err := d.lookup.LookupPromotionCode(ctx, code)
	if err != nil {
		return DiscountResult{}, err
	}

	result := DiscountResult{Code: code, FinalAmount: baseAmount}
	if reason := d.rejection(promo, baseAmount, currency); reason != "" {
		d.logger.InfoContext(ctx, "discount code rejected", "code", code, "reason", reason)
		result.Reason = reason
		return result, nil
	}

	result.Valid = true
	result.PromotionCodeID = promo.ID

	coupon := promo.Coupon
	switch {
	case coupon.PercentOff > 0:
		result.PercentOff = math.Min(coupon.PercentOff, 100)
		result.DiscountAmount = int64(math.Round(float64(baseAmount) * result.PercentOff / 100))
	case coupon.AmountOff > 0:
		result.DiscountAmount = min(coupon.AmountOff, baseAmount)
	}
	result.FinalAmount = baseAmount - result.DiscountAmount
	if result.FinalAmount <= 0 {
		result.FinalAmount = 0
		result.DiscountAmount = baseAmount
		result.PercentOff = 100
	}
	return result, nil
}

// rejection returns why promo cannot be used, or "".
func (d *DiscountResolver) rejection(promo *external.PromotionCode, baseAmount int64, currency string) string {
	now := d.clock.Now()

	if promo == nil {
		return ReasonCodeNotFound
	}
	if !promo.Active {
		return ReasonCodeInactive
	}
	if promo.ExpiresAt != nil && !now.Before(*promo.ExpiresAt) {
		return ReasonCodeExpired
	}
	if promo.MaxRedemptions > 0 && promo.TimesRedeemed >= promo.MaxRedemptions {
		return ReasonCodeExhausted
	}

	coupon := promo.Coupon
	if !coupon.Valid {
		return ReasonCouponInvalid
	}
	if coupon.RedeemBy != nil && !now.Before(*coupon.RedeemBy) {
		return ReasonCodeExpired
	}
	if coupon.MaxRedemptions > 0 && coupon.TimesRedeemed >= coupon.MaxRedemptions {
		return ReasonCodeExhausted
	}
	if coupon.PercentOff <= 0 && coupon.AmountOff > 0 && coupon.Currency != "" && coupon.Currency != currency {
		return ReasonCurrencyMismatch
	}
	if promo.MinimumAmount > 0 && (promo.MinimumCurrency == "" || strings.EqualFold(promo.MinimumCurrency, currency)) &&
		baseAmount < promo.MinimumAmount {
		return ReasonMinimumNotReached
	}
	return ""
}
