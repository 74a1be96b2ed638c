package settlement

import (
	"errors"
	"fmt"
	"net/http"
)

// Outcome is the classification of one network attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "terminal"
	}
}

// retryableStatus is the closed set of HTTP statuses that indicate a
// transient network or infrastructure condition.
var retryableStatus = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooEarly:            {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// IsRetryableStatus reports membership in the retryable status set.
func IsRetryableStatus(code int) bool {
	_, ok := retryableStatus[code]
	return ok
}

// StatusError is a non-2xx response from the settlement network.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("settlement network returned %d: %s", e.Code, e.Message)
}

// RejectedError is a 2xx response with success=false.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return "settlement network rejected call: " + e.Message
}

// ErrNoResponse marks an attempt that was abandoned without any response.
var ErrNoResponse = errors.New("no response from settlement network")

// Classify maps an attempt error to an outcome. Any error that is not an
// explicit answer from the network (transport failures, timeouts,
// ErrNoResponse) is retryable.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		if IsRetryableStatus(se.Code) {
			return OutcomeRetryable
		}
		return OutcomeTerminal
	}
	var re *RejectedError
	if errors.As(err, &re) {
		return OutcomeTerminal
	}
	return OutcomeRetryable
}
