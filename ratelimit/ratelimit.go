// Package ratelimit classifies throttled backend responses into a signal
// carrying an optional suggested wait, and renders the user-facing hint.
// Every remote call site shares this one policy.
package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.glassdash.io/devicegate/gateway"
)

// DefaultMessage is used when a throttled response carries no message of
// its own.
const DefaultMessage = "Too many requests."

// Signal is the classified representation of an HTTP 429 response.
// Constructed fresh per failed call; immutable once built.
type Signal struct {
	Message           string
	RetryAfterSeconds int
	RetryAfterKnown   bool
}

// Classify inspects a failed call and returns a Signal when the failure is
// a rate-limit condition, or nil for everything else. Only gateway errors
// carrying HTTP 429 classify.
func Classify(err error) *Signal {
	var callErr *gateway.CallError
	if !errors.As(err, &callErr) || callErr.Status != http.StatusTooManyRequests {
		return nil
	}

	sig := &Signal{Message: DefaultMessage}
	if msg := callErr.BackendMessage(); msg != "" {
		sig.Message = msg
	} else if cause := callErr.Unwrap(); cause != nil {
		sig.Message = cause.Error()
	}

	if secs, ok := retryAfter(callErr); ok {
		sig.RetryAfterSeconds = secs
		sig.RetryAfterKnown = true
	}
	return sig
}

// retryAfter extracts the suggested wait, first match wins: the Retry-After
// header, then a retryAfterSeconds body field, then the same field inside a
// details payload (which may itself be JSON encoded as a string). Parse
// failures at one source fall through to the next.
func retryAfter(callErr *gateway.CallError) (int, bool) {
	if callErr.Header != nil {
		if raw := callErr.Header.Get("Retry-After"); raw != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && secs >= 0 {
				return secs, true
			}
		}
	}

	if len(callErr.Body) == 0 {
		return 0, false
	}
	var body struct {
		RetryAfterSeconds *float64        `json:"retryAfterSeconds"`
		Details           json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(callErr.Body, &body); err != nil {
		return 0, false
	}
	if secs, ok := validSeconds(body.RetryAfterSeconds); ok {
		return secs, true
	}
	return detailsRetryAfter(body.Details)
}

func detailsRetryAfter(details json.RawMessage) (int, bool) {
	if len(details) == 0 {
		return 0, false
	}
	// details may be a JSON string holding the encoded payload.
	var encoded string
	if err := json.Unmarshal(details, &encoded); err == nil {
		details = json.RawMessage(encoded)
	}
	var payload struct {
		RetryAfterSeconds *float64 `json:"retryAfterSeconds"`
	}
	if err := json.Unmarshal(details, &payload); err != nil {
		return 0, false
	}
	return validSeconds(payload.RetryAfterSeconds)
}

func validSeconds(v *float64) (int, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return 0, false
	}
	return int(*v), true
}

// Format renders the user-facing sentence for the signal. base overrides
// the extracted message when non-empty. The result either names a concrete
// wait ("try again in 1 minute and 30 seconds.") or falls back to "try
// again shortly." when no duration was derivable. Pure function.
func (s *Signal) Format(base string) string {
	msg := base
	if msg == "" {
		msg = s.Message
	}
	msg = strings.TrimRight(strings.TrimSpace(msg), ".")
	if !s.RetryAfterKnown {
		return msg + ". Please try again shortly."
	}
	return fmt.Sprintf("%s. Please try again in %s.", msg, FormatWait(s.RetryAfterSeconds))
}

// FormatWait spells out a wait in minutes and seconds, omitting the minutes
// term when zero and the seconds term when zero but the wait is positive.
func FormatWait(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	mins, secs := seconds/60, seconds%60
	switch {
	case mins == 0:
		return plural(secs, "second")
	case secs == 0:
		return plural(mins, "minute")
	default:
		return plural(mins, "minute") + " and " + plural(secs, "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// Describe is the shared classify-then-format policy: it returns the
// rendered rate-limit message for err, or ok=false when err is not a
// rate-limit condition and must be handled as a generic failure.
func Describe(err error, base string) (string, bool) {
	sig := Classify(err)
	if sig == nil {
		return "", false
	}
	return sig.Format(base), true
}
