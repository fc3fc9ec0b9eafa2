package types

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	userIDKey    contextKey = "user_id"
	marketKey    contextKey = "market_code"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithUserID stores the resolved account ID in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the account ID set by WithUserID.
func GetUserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// WithMarket stores the market code resolved once at request start.
func WithMarket(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, marketKey, code)
}

// GetMarket returns the market code stored by WithMarket, or "".
func GetMarket(ctx context.Context) string {
	code, _ := ctx.Value(marketKey).(string)
	return code
}
