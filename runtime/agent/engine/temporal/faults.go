package temporal

import (
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/engine"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/fault"
)

// toApplicationError converts a fault returned by an activity handler into a
// Temporal application error. The fault kind becomes the error type so it
// survives serialization; non-retryable faults stop the SDK's retry loop.
func toApplicationError(err error) error {
	if err == nil {
		return nil
	}
	var f *fault.Fault
	if !errors.As(err, &f) {
		return err
	}
	if f.Retryable {
		if f.Details != nil {
			return temporal.NewApplicationError(f.Message, string(f.Kind), f.Details)
		}
		return temporal.NewApplicationError(f.Message, string(f.Kind))
	}
	if f.Details != nil {
		return temporal.NewNonRetryableApplicationError(f.Message, string(f.Kind), nil, f.Details)
	}
	return temporal.NewNonRetryableApplicationError(f.Message, string(f.Kind), nil)
}

// fromActivityError recovers the fault classification from an error that
// crossed the workflow/activity boundary. Activity errors wrap application
// errors; unwrap both layers and rebuild the fault so workflow code can
// branch on Kind.
func fromActivityError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		return err
	}
	f := &fault.Fault{
		Kind:      fault.Kind(appErr.Type()),
		Message:   appErr.Message(),
		Retryable: !appErr.NonRetryable(),
	}
	if appErr.HasDetails() {
		var details map[string]any
		if derr := appErr.Details(&details); derr == nil {
			f.Details = details
		}
	}
	return f
}

// toWorkflowError converts a fault raised by workflow code into the error the
// workflow should fail with. Non-retryable faults become application errors
// so the run fails instead of being retried by the server, and so the kind is
// visible in the failure message.
func toWorkflowError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := engine.AsContinueAsNew(err); ok {
		return err
	}
	return toApplicationError(err)
}
