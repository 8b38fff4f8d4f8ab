// Package devicegate implements the device-trust login protocol for the
// Glassdash dashboard: a password login is additionally gated on the
// backend recognizing (or the user approving) the device making it.
package devicegate

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"go.glassdash.io/devicegate/deviceid"
	"go.glassdash.io/devicegate/domain"
	"go.glassdash.io/devicegate/gateway"
	"go.glassdash.io/devicegate/ratelimit"
)

// Backend function names consumed by the protocol.
const (
	FnRegisterLoginEvent = "register-login-event"
	FnCheckDeviceStatus  = "check-device-status"
	FnConfirmDevice      = "confirm-device"
)

// ErrDeviceUnavailable means no device identifier could be established, so
// trust cannot be evaluated. The login fails closed.
var ErrDeviceUnavailable = errors.New("cannot identify this device; please sign in from a supported profile")

// FlowError is a login-flow failure carrying the already-rendered
// user-facing message. RateLimited distinguishes throttling, which is
// recoverable by waiting, from generic backend failures.
type FlowError struct {
	Message     string
	RateLimited bool
}

func (e *FlowError) Error() string { return e.Message }

const (
	rateLimitLoginBase = "Too many login attempts"

	pendingNotice = "We sent a confirmation link to your email. Approve this device to continue."
)

// LoginService drives a single login attempt: authenticate, collect
// device, report the login, decide. Steps run strictly in sequence;
// guarding against a second concurrent attempt is the caller's concern.
type LoginService struct {
	idp     IdentityProvider
	devices *deviceid.Store
	gw      *gateway.Gateway
}

// NewLoginService wires the orchestrator's collaborators.
func NewLoginService(idp IdentityProvider, devices *deviceid.Store, gw *gateway.Gateway) *LoginService {
	return &LoginService{idp: idp, devices: devices, gw: gw}
}

// LoginResult is the terminal state of a successful orchestration: either
// a direct entry destination, or a hand-off to device verification.
type LoginResult struct {
	// Destination is the landing path when the device is already trusted.
	Destination string
	// Verification is set instead when out-of-band confirmation is
	// required; control passes to the verification screen.
	Verification *domain.VerificationHandoff
}

// Login runs the orchestration. Every failure path signs the provider
// session out before returning: a session is never left active without an
// approved trust decision or an explicit verification hand-off.
func (s *LoginService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	ident, err := s.idp.Authenticate(ctx, email, password)
	if err != nil {
		// Credential failure: surfaced verbatim, nothing to sign out.
		return nil, err
	}

	meta := s.devices.CollectMetadata(ctx)
	if meta.DeviceID == "" {
		s.signOut(ctx)
		return nil, ErrDeviceUnavailable
	}

	var decision domain.TrustDecision
	if err := s.gw.Invoke(ctx, FnRegisterLoginEvent, meta, &decision); err != nil {
		s.signOut(ctx)
		if msg, ok := ratelimit.Describe(err, rateLimitLoginBase); ok {
			return nil, &FlowError{Message: msg, RateLimited: true}
		}
		return nil, &FlowError{Message: gateway.ErrorMessage(err, "Login could not be completed. Please try again.")}
	}

	destination := domain.LandingPath(ident.Role)

	if decision.Status == domain.TrustStatusApproved && !decision.RequiresConfirmation {
		log.Ctx(ctx).Info().
			Str("user_id", ident.UserID).
			Str("device_id", meta.DeviceID).
			Msg("device trusted, entering")
		return &LoginResult{Destination: destination}, nil
	}

	log.Ctx(ctx).Info().
		Str("user_id", ident.UserID).
		Str("device_id", meta.DeviceID).
		Str("trust_status", string(decision.Status)).
		Msg("device requires verification")
	return &LoginResult{
		Verification: &domain.VerificationHandoff{
			DeviceID:    meta.DeviceID,
			Destination: destination,
			Notice:      pendingNotice,
		},
	}, nil
}

func (s *LoginService) signOut(ctx context.Context) {
	if err := s.idp.SignOut(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("sign-out after failed login attempt")
	}
}
