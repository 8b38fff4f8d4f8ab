package devicegate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.glassdash.io/devicegate/domain"
	"go.glassdash.io/devicegate/gateway"
	"go.glassdash.io/devicegate/ratelimit"
)

// Poller defaults; overridable for tests and config.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultApprovedDelay = 1500 * time.Millisecond
)

const (
	rateLimitStatusBase = "Too many status checks"

	approvedNotice     = "Device confirmed. Taking you to your dashboard."
	unregisteredNotice = "This device was not recognized. Please sign in again."
	resendNotice       = "Confirmation email sent again. Check your inbox."
	noDeviceNotice     = "We could not identify this device. Please sign in again."
	checkFailedNotice  = "Status check failed. We'll keep trying."
)

// VerificationState is a full snapshot of the verification screen. Every
// completed status check determines the next snapshot wholesale, so the
// timer path and a manual resend can interleave without leaving the state
// inconsistent.
type VerificationState struct {
	DeviceID     string              `json:"deviceId"`
	Status       domain.TrustStatus  `json:"status"`
	NextPath     string              `json:"nextPath"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	InfoMessage  string              `json:"infoMessage,omitempty"`
	RedirectTo   string              `json:"redirectTo,omitempty"`
}

// VerificationConfig tunes the poller.
type VerificationConfig struct {
	// PollInterval is the fixed cadence of status checks.
	PollInterval time.Duration
	// ApprovedDelay is how long the confirmation message is shown before
	// navigating to the recorded destination.
	ApprovedDelay time.Duration
	// OnNavigate, when set, fires once with the destination after the
	// approved delay elapses.
	OnNavigate func(path string)
}

// Verification polls the device's trust status while approval is pending.
// It is bound to the lifetime of the verification screen: Stop tears the
// timer down deterministically and bars any further state mutation.
type Verification struct {
	gw  *gateway.Gateway
	cfg VerificationConfig

	mu       sync.Mutex
	st       VerificationState
	alive    bool
	terminal bool
	cancel   context.CancelFunc
	redirect *time.Timer
}

type statusRequest struct {
	DeviceID string `json:"deviceId"`
	Resend   bool   `json:"resend,omitempty"`
}

// NewVerification builds the session from the login hand-off payload.
func NewVerification(handoff domain.VerificationHandoff, gw *gateway.Gateway, cfg VerificationConfig) *Verification {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ApprovedDelay <= 0 {
		cfg.ApprovedDelay = DefaultApprovedDelay
	}
	return &Verification{
		gw:  gw,
		cfg: cfg,
		st: VerificationState{
			DeviceID:    handoff.DeviceID,
			Status:      domain.TrustStatusPending,
			NextPath:    handoff.Destination,
			InfoMessage: handoff.Notice,
		},
		alive: true,
	}
}

// Start performs an immediate status check and then polls on the fixed
// interval until a terminal state or Stop. Without a device id no polling
// starts at all: the state goes straight to a terminal error directing the
// user to re-authenticate.
func (v *Verification) Start(ctx context.Context) {
	v.mu.Lock()
	if !v.alive || v.cancel != nil {
		v.mu.Unlock()
		return
	}
	if v.st.DeviceID == "" {
		v.st.Status = domain.TrustStatusUnregistered
		v.st.ErrorMessage = noDeviceNotice
		v.terminal = true
		v.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.mu.Unlock()

	go v.run(ctx)
}

func (v *Verification) run(ctx context.Context) {
	v.check(ctx, false)

	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.check(ctx, false)
		}
	}
}

// Resend asks the backend to re-deliver the confirmation message. It is
// the same status check with the resend flag, so a response that already
// reports approval short-circuits to the approved transition.
func (v *Verification) Resend(ctx context.Context) {
	v.check(ctx, true)
}

func (v *Verification) check(ctx context.Context, resend bool) {
	v.mu.Lock()
	if !v.alive || v.terminal {
		v.mu.Unlock()
		return
	}
	req := statusRequest{DeviceID: v.st.DeviceID, Resend: resend}
	v.mu.Unlock()

	var decision domain.TrustDecision
	err := v.gw.Invoke(ctx, FnCheckDeviceStatus, req, &decision)
	v.apply(ctx, err, &decision, resend)
}

// apply is the single transition function shared by the timer and resend
// paths. The completed response fully determines the next displayed state.
func (v *Verification) apply(ctx context.Context, err error, decision *domain.TrustDecision, resend bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.alive || v.terminal {
		return
	}

	if err != nil {
		// Transient throttling pauses reporting but never the loop.
		if msg, ok := ratelimit.Describe(err, rateLimitStatusBase); ok {
			v.st.ErrorMessage = msg
		} else {
			v.st.ErrorMessage = gateway.ErrorMessage(err, checkFailedNotice)
		}
		return
	}

	v.st.ErrorMessage = ""
	switch decision.Status {
	case domain.TrustStatusApproved:
		v.st.Status = domain.TrustStatusApproved
		v.st.InfoMessage = approvedNotice
		v.terminal = true
		if v.cancel != nil {
			v.cancel()
		}
		v.redirect = time.AfterFunc(v.cfg.ApprovedDelay, v.navigate)
		log.Ctx(ctx).Info().Str("device_id", v.st.DeviceID).Msg("device approved")
	case domain.TrustStatusUnregistered:
		v.st.Status = domain.TrustStatusUnregistered
		v.st.ErrorMessage = unregisteredNotice
		v.terminal = true
		if v.cancel != nil {
			v.cancel()
		}
		log.Ctx(ctx).Warn().Str("device_id", v.st.DeviceID).Msg("device unregistered")
	default:
		v.st.Status = domain.TrustStatusPending
		if resend {
			v.st.InfoMessage = resendNotice
		}
	}
}

// navigate fires once, after the approved delay. The liveness check means
// a session torn down during the delay never navigates.
func (v *Verification) navigate() {
	v.mu.Lock()
	if !v.alive {
		v.mu.Unlock()
		return
	}
	v.st.RedirectTo = v.st.NextPath
	path := v.st.RedirectTo
	onNavigate := v.cfg.OnNavigate
	v.mu.Unlock()

	if onNavigate != nil {
		onNavigate(path)
	}
}

// State returns the current snapshot.
func (v *Verification) State() VerificationState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.st
}

// Stop tears the session down: the poll loop and any pending redirect
// timer are cancelled and no state mutation can happen afterwards.
// Idempotent; the logout path calls it before navigating away.
func (v *Verification) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.alive {
		return
	}
	v.alive = false
	if v.cancel != nil {
		v.cancel()
	}
	if v.redirect != nil {
		v.redirect.Stop()
	}
}
