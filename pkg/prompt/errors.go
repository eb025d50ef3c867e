package prompt

import "errors"

// Reason is why a prompt ended.
type Reason string

const (
	ReasonSuccess       Reason = "success"
	ReasonCancelled     Reason = "cancelled"
	ReasonTime          Reason = "time"
	ReasonAttempts      Reason = "attempts"
	ReasonTriggerFailed Reason = "trigger message failed to send"
)

// ErrActivePrompt is returned when the participant already has a running
// prompt in the channel.
var ErrActivePrompt = errors.New("prompt: a prompt is already running for this user in this channel")

// EndedError is the failure of a prompt that did not succeed.
type EndedError struct {
	Reason Reason
	// Err is the underlying cause, if any (e.g. the trigger send error).
	Err error
}

func (e *EndedError) Error() string {
	if e.Err != nil {
		return "prompt ended: " + string(e.Reason) + ": " + e.Err.Error()
	}
	return "prompt ended: " + string(e.Reason)
}

func (e *EndedError) Unwrap() error { return e.Err }

// EndReason extracts the reason from an *EndedError anywhere in err's chain.
func EndReason(err error) (Reason, bool) {
	var ended *EndedError
	if errors.As(err, &ended) {
		return ended.Reason, true
	}
	return "", false
}
