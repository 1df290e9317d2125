package processors

// StepLogger records one ordered, human-readable calculation step.
// saleInputID is 0 for steps not associated with a specific sale.
type StepLogger func(saleInputID int64, message string)

// NopStepLogger discards steps.
func NopStepLogger(int64, string) {}
