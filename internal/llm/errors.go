package llm

import (
	"errors"
	"fmt"
)

// ErrNoProviders is returned by a chain constructed without any provider,
// which happens when neither provider API key is configured.
var ErrNoProviders = errors.New("no llm providers configured")

// AIServiceError marks provider misbehavior as opposed to transport
// failures: missing candidates, empty text, blocked generations, auth or
// quota rejections. Retryable tells the chain whether hitting the same
// provider again has any chance of a different outcome.
type AIServiceError struct {
	Provider  string
	Reason    string
	Retryable bool
	Err       error
}

func (e *AIServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Reason)
}

func (e *AIServiceError) Unwrap() error { return e.Err }
