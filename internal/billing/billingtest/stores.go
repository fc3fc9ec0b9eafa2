// Package billingtest provides in-memory stores with the same uniqueness
// and conditional-update semantics as the Postgres repositories, for
// scenario tests of the payment pipeline.
package billingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"careintake/internal/db"
	"careintake/internal/types"
)

// Accounts mirrors db.AccountRepository with a unique email index.
type Accounts struct {
	mu      sync.Mutex
	byEmail map[string]*types.Account
	// CreateHook runs before each insert; tests use it to widen races.
	CreateHook func()
}

func NewAccounts() *Accounts {
	return &Accounts{byEmail: map[string]*types.Account{}}
}

func (s *Accounts) GetByEmail(_ context.Context, email string) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byEmail[types.NormalizeEmail(email)]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	cp := *a
	return &cp, nil
}

func (s *Accounts) GetByID(_ context.Context, id string) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.byEmail {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
}

func (s *Accounts) Create(_ context.Context, a *types.Account) error {
	if s.CreateHook != nil {
		s.CreateHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Email = types.NormalizeEmail(a.Email)
	if _, exists := s.byEmail[a.Email]; exists {
		return types.NewAppError(types.ErrCodeConflictEmail, "an account with this email already exists", nil)
	}
	if a.Status == "" {
		a.Status = types.AccountStatusActive
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	s.byEmail[a.Email] = &cp
	return nil
}

// Len returns the number of stored accounts.
func (s *Accounts) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byEmail)
}

// Subscriptions mirrors db.SubscriptionRepo, including the welcome flag
// reset rule of Upsert.
type Subscriptions struct {
	mu     sync.Mutex
	byUser map[string]*types.Subscription
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{byUser: map[string]*types.Subscription{}}
}

func (s *Subscriptions) Upsert(_ context.Context, in db.SubscriptionUpsert) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	cur, ok := s.byUser[in.UserID]
	if !ok {
		cur = &types.Subscription{
			UserID:           in.UserID,
			StripeCustomerID: in.StripeCustomerID,
			StripeSessionID:  in.StripeSessionID,
			CreatedAt:        now,
		}
		s.byUser[in.UserID] = cur
	} else {
		newSession := in.StripeSessionID != nil &&
			(cur.StripeSessionID == nil || *cur.StripeSessionID != *in.StripeSessionID)
		if cur.Status != types.SubStatusActive || newSession {
			cur.WelcomeEmailSent = false
		}
		if in.StripeCustomerID != nil {
			cur.StripeCustomerID = in.StripeCustomerID
		}
		if in.StripeSessionID != nil {
			cur.StripeSessionID = in.StripeSessionID
		}
	}
	cur.PlanType = in.PlanType
	cur.Status = in.Status
	cur.AmountPaid = in.AmountPaid
	cur.Currency = in.Currency
	cur.ExpiresAt = in.ExpiresAt
	cur.UpdatedAt = now

	cp := *cur
	return &cp, nil
}

// Len returns the number of subscription rows.
func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser)
}

func (s *Subscriptions) GetByUserID(_ context.Context, userID string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byUser[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	cp := *sub
	return &cp, nil
}

func (s *Subscriptions) ClaimWelcomeEmail(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byUser[userID]
	if !ok || sub.WelcomeEmailSent {
		return false, nil
	}
	sub.WelcomeEmailSent = true
	return true, nil
}

func (s *Subscriptions) ReleaseWelcomeEmail(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.byUser[userID]; ok {
		sub.WelcomeEmailSent = false
	}
	return nil
}

func (s *Subscriptions) ExpireLapsed(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sub := range s.byUser {
		if sub.Status == types.SubStatusActive && sub.ExpiresAt != nil && !sub.ExpiresAt.After(now) {
			sub.Status = types.SubStatusExpired
			n++
		}
	}
	return n, nil
}

// Put stores sub as-is.
func (s *Subscriptions) Put(sub types.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[sub.UserID] = &sub
}

// Ledger mirrors db.EventLedgerRepo with the event id as primary key.
type Ledger struct {
	mu     sync.Mutex
	events map[string]*types.ProcessedEvent
}

func NewLedger() *Ledger {
	return &Ledger{events: map[string]*types.ProcessedEvent{}}
}

func (l *Ledger) Record(_ context.Context, eventID, eventType string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.events[eventID]; ok {
		return false, nil
	}
	l.events[eventID] = &types.ProcessedEvent{
		ProviderEventID: eventID,
		EventType:       eventType,
		ProcessedAt:     time.Now().UTC(),
	}
	return true, nil
}

func (l *Ledger) MarkReconciled(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.events[eventID]; ok {
		now := time.Now().UTC()
		e.Reconciled = true
		e.ReconciledAt = &now
		e.LastError = nil
	}
	return nil
}

func (l *Ledger) MarkFailed(_ context.Context, eventID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.events[eventID]; ok {
		e.LastError = &reason
	}
	return nil
}

func (l *Ledger) ListUnreconciled(_ context.Context, olderThan time.Time, limit int) ([]types.ProcessedEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.ProcessedEvent
	for _, e := range l.events {
		if !e.Reconciled && e.ProcessedAt.Before(olderThan) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns a copy of the ledger row for eventID.
func (l *Ledger) Get(eventID string) (types.ProcessedEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.events[eventID]
	if !ok {
		return types.ProcessedEvent{}, false
	}
	return *e, true
}

// Len returns the number of ledger rows.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Tokens mirrors db.ProvisioningTokenRepo.
type Tokens struct {
	mu     sync.Mutex
	byHash map[string]*types.ProvisioningToken
}

func NewTokens() *Tokens {
	return &Tokens{byHash: map[string]*types.ProvisioningToken{}}
}

func (s *Tokens) Create(_ context.Context, t *types.ProvisioningToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.CreatedAt = time.Now().UTC()
	cp := *t
	s.byHash[t.TokenHash] = &cp
	return nil
}

func (s *Tokens) GetUsable(_ context.Context, tokenHash string, now time.Time) (*types.ProvisioningToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byHash[tokenHash]
	if !ok || t.ConsumedAt != nil || !t.ExpiresAt.After(now) {
		return nil, types.NewAppError(types.ErrCodeNotFoundProvisioningToken, "provisioning token not found or expired", nil)
	}
	cp := *t
	return &cp, nil
}

func (s *Tokens) MarkConsumed(_ context.Context, tokenHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byHash[tokenHash]; ok && t.ConsumedAt == nil {
		t.ConsumedAt = &now
		t.PasswordHash = ""
	}
	return nil
}

func (s *Tokens) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for h, t := range s.byHash {
		if t.ConsumedAt != nil || !t.ExpiresAt.After(now) {
			delete(s.byHash, h)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the token stored under tokenHash.
func (s *Tokens) Get(tokenHash string) (types.ProvisioningToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byHash[tokenHash]
	if !ok {
		return types.ProvisioningToken{}, false
	}
	return *t, true
}

// All returns copies of every stored token.
func (s *Tokens) All() []types.ProvisioningToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ProvisioningToken, 0, len(s.byHash))
	for _, t := range s.byHash {
		out = append(out, *t)
	}
	return out
}
