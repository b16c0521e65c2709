package webhook

import (
	"net/http"
	"time"
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// OutcomeSuccess means the endpoint accepted the request.
	OutcomeSuccess Outcome = iota

	// OutcomeTransient means the attempt failed in a way that may succeed
	// later: network errors, timeouts, 5xx, or 429.
	OutcomeTransient

	// OutcomePermanent means the endpoint rejected the request and a retry
	// would be rejected the same way.
	OutcomePermanent
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// RetryPolicy configures backoff for transient delivery failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BackoffFactor multiplies the delay after each retry.
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// DefaultRetryPolicy returns the delivery retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     5 * time.Minute,
		BackoffFactor:  2.0,
	}
}

// Backoff returns the delay before the given retry. retryCount is
// zero-based: the first retry gets InitialBackoff.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * p.BackoffFactor)
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

// Exhausted reports whether a message that has already been retried
// retryCount times is out of attempts.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// Classify maps an attempt result to an outcome. A non-nil err wins over the
// status code; request errors are treated as transient unless the context was
// cancelled outright.
func Classify(status int, err error) Outcome {
	if err != nil {
		// Includes shutdown cancellation: the message stays queued and is
		// retried after restart.
		return OutcomeTransient
	}

	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusTooManyRequests:
		return OutcomeTransient
	case status >= 500:
		return OutcomeTransient
	default:
		return OutcomePermanent
	}
}
