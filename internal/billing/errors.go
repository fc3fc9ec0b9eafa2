package billing

import "fmt"

// Provisioning steps named in PartialProvisioningError.
const (
	StepProvision = "provision"
	StepActivate  = "activate"
	StepWelcome   = "welcome"
)

// PartialProvisioningError reports that a paid checkout was recorded but a
// later step failed. It is logged and alerted, never returned to Stripe.
type PartialProvisioningError struct {
	Step    string
	EventID string
	Email   string
	Err     error
}

func (e *PartialProvisioningError) Error() string {
	return fmt.Sprintf("partial provisioning at %s for event %s: %v", e.Step, e.EventID, e.Err)
}

func (e *PartialProvisioningError) Unwrap() error {
	return e.Err
}
