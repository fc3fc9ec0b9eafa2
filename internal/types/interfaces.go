package types

import "time"

// Clock abstracts time so expiry and grace-window logic can be tested.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system time in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns the same instant on every call.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }
