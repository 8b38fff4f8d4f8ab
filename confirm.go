package devicegate

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"go.glassdash.io/devicegate/domain"
	"go.glassdash.io/devicegate/gateway"
	"go.glassdash.io/devicegate/ratelimit"
)

// DefaultConfirmRedirectDelay is how long the success state is shown
// before redirecting to the verification screen, giving a concurrently
// polling tab time to pick the change up on its own.
const DefaultConfirmRedirectDelay = 4 * time.Second

// Confirmation view statuses.
const (
	ConfirmationFailed   = "failed"
	ConfirmationApproved = "approved"
	ConfirmationClosed   = "closed"
)

const (
	rateLimitConfirmBase = "Too many confirmation attempts"

	missingTokenNotice   = "This confirmation link is missing its token. Request a new confirmation email and try again."
	confirmedNotice      = "Device confirmed. You can return to your sign-in tab."
	confirmProcessedNote = "Your request was processed. You may close this tab."
	confirmFailedNotice  = "The confirmation could not be completed."
)

// ConfirmationView is the terminal render state of the confirmation link
// page. RedirectTo/RedirectAfter are set only for the approved outcome.
type ConfirmationView struct {
	Status        string        `json:"status"`
	Message       string        `json:"message"`
	RedirectTo    string        `json:"redirectTo,omitempty"`
	RedirectAfter time.Duration `json:"-"`
}

type confirmRequest struct {
	Token string `json:"token"`
}

// SubmitConfirmation redeems the emailed single-use token. An absent token
// is a terminal error with no network call; otherwise the token is
// submitted exactly once. Callers torn down mid-flight cancel ctx and
// discard the view.
func SubmitConfirmation(ctx context.Context, gw *gateway.Gateway, token string, redirectDelay time.Duration) ConfirmationView {
	if token == "" {
		return ConfirmationView{Status: ConfirmationFailed, Message: missingTokenNotice}
	}
	if redirectDelay <= 0 {
		redirectDelay = DefaultConfirmRedirectDelay
	}

	var outcome domain.ConfirmationOutcome
	err := gw.Invoke(ctx, FnConfirmDevice, confirmRequest{Token: token}, &outcome)
	if err != nil {
		if msg, ok := ratelimit.Describe(err, rateLimitConfirmBase); ok {
			return ConfirmationView{Status: ConfirmationFailed, Message: msg}
		}
		return ConfirmationView{
			Status:  ConfirmationFailed,
			Message: gateway.ErrorMessage(err, confirmFailedNotice),
		}
	}

	if outcome.Status == string(domain.TrustStatusApproved) {
		log.Ctx(ctx).Info().Msg("device confirmed via emailed link")
		return ConfirmationView{
			Status:        ConfirmationApproved,
			Message:       confirmedNotice,
			RedirectTo:    "/device-verification",
			RedirectAfter: redirectDelay,
		}
	}
	return ConfirmationView{Status: ConfirmationClosed, Message: confirmProcessedNote}
}
