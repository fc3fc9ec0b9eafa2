package billing

import (
	"context"
	"time"

	"careintake/internal/types"
)

// PollSchedule bounds how long the payment success page waits for the
// webhook before showing the sign-in and support fallback.
type PollSchedule struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollSchedule waits up to 20 seconds.
var DefaultPollSchedule = PollSchedule{Interval: 2 * time.Second, MaxAttempts: 10}

// Deadline is the total time the client should keep polling.
func (p PollSchedule) Deadline() time.Duration {
	return p.Interval * time.Duration(p.MaxAttempts)
}

// CheckoutStatus is returned to the polling client.
type CheckoutStatus struct {
	Ready    bool
	Schedule PollSchedule
}

// StatusChecker reports whether the webhook has finished provisioning.
type StatusChecker struct {
	accounts AccountLookup
	subs     SubscriptionReader
	clock    types.Clock
	schedule PollSchedule
}

func NewStatusChecker(accounts AccountLookup, subs SubscriptionReader, clock types.Clock, schedule PollSchedule) *StatusChecker {
	if clock == nil {
		clock = types.RealClock{}
	}
	if schedule.Interval <= 0 || schedule.MaxAttempts <= 0 {
		schedule = DefaultPollSchedule
	}
	return &StatusChecker{accounts: accounts, subs: subs, clock: clock, schedule: schedule}
}

// Status is Ready once an account with an active, unexpired subscription
// exists for email. Unknown emails are simply not ready.
func (s *StatusChecker) Status(ctx context.Context, email string) (CheckoutStatus, error) {
	out := CheckoutStatus{Schedule: s.schedule}

	acct, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundAccount) {
			return out, nil
		}
		return out, err
	}
	sub, err := s.subs.GetByUserID(ctx, acct.ID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundSubscription) {
			return out, nil
		}
		return out, err
	}

	out.Ready = sub.Status == types.SubStatusActive &&
		(sub.ExpiresAt == nil || sub.ExpiresAt.After(s.clock.Now()))
	return out, nil
}
