package devicegate

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.glassdash.io/devicegate/domain"
	"go.glassdash.io/devicegate/gateway"
)

const (
	testPollInterval  = 25 * time.Millisecond
	testApprovedDelay = 30 * time.Millisecond
)

type navRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (n *navRecorder) record(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *navRecorder) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.paths...)
}

func newVerifyFixture(t *testing.T, backend *fakeBackend, nav *navRecorder) *Verification {
	t.Helper()
	gw := gateway.New(backend.URL(), nil)
	cfg := VerificationConfig{
		PollInterval:  testPollInterval,
		ApprovedDelay: testApprovedDelay,
	}
	if nav != nil {
		cfg.OnNavigate = nav.record
	}
	v := NewVerification(domain.VerificationHandoff{
		DeviceID:    "dev-42",
		Destination: "/dashboard",
		Notice:      "check your email",
	}, gw, cfg)
	t.Cleanup(v.Stop)
	return v
}

func decisionJSON(status domain.TrustStatus) string {
	return `{"status":"` + string(status) + `","device":{"id":"dev-42"}}`
}

func TestVerificationApprovedStopsPollingAndNavigatesOnce(t *testing.T) {
	backend := newFakeBackend(func(_ string, _ []byte, w http.ResponseWriter) {
		respondJSON(w, http.StatusOK, decisionJSON(domain.TrustStatusApproved))
	})
	defer backend.Close()
	nav := &navRecorder{}
	v := newVerifyFixture(t, backend, nav)

	v.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(nav.all()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"/dashboard"}, nav.all())
	assert.Equal(t, domain.TrustStatusApproved, v.State().Status)
	assert.Equal(t, "/dashboard", v.State().RedirectTo)

	// No further checks once approved.
	checks := backend.count(FnCheckDeviceStatus)
	time.Sleep(4 * testPollInterval)
	assert.Equal(t, checks, backend.count(FnCheckDeviceStatus))
	assert.Equal(t, 1, checks)
}

func TestVerificationPendingKeepsPolling(t *testing.T) {
	backend := newFakeBackend(func(_ string, _ []byte, w http.ResponseWriter) {
		respondJSON(w, http.StatusOK, decisionJSON(domain.TrustStatusPending))
	})
	defer backend.Close()
	v := newVerifyFixture(t, backend, nil)

	v.Start(context.Background())

	require.Eventually(t, func() bool {
		return backend.count(FnCheckDeviceStatus) >= 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.TrustStatusPending, v.State().Status)
}

func TestVerificationRateLimitDoesNotStopTimer(t *testing.T) {
	backend := newFakeBackend(func(_ string, _ []byte, w http.ResponseWriter) {
		w.Header().Set("Retry-After", "30")
		respondJSON(w, http.StatusTooManyRequests, `{"error":"throttled"}`)
	})
	defer backend.Close()
	v := newVerifyFixture(t, backend, nil)

	v.Start(context.Background())

	require.Eventually(t, func() bool {
		return backend.count(FnCheckDeviceStatus) >= 3
	}, time.Second, 5*time.Millisecond)

	st := v.State()
	assert.Equal(t, domain.TrustStatusPending, st.Status)
	assert.Contains(t, st.ErrorMessage, "30 seconds")
}

func TestVerificationUnregisteredIsTerminal(t *testing.T) {
	backend := newFakeBackend(func(_ string, _ []byte, w http.ResponseWriter) {
		respondJSON(w, http.StatusOK, decisionJSON(domain.TrustStatusUnregistered))
	})
	defer backend.Close()
	nav := &navRecorder{}
	v := newVerifyFixture(t, backend, nav)

	v.Start(context.Background())

	require.Eventually(t, func() bool {
		return v.State().Status == domain.TrustStatusUnregistered
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, v.State().ErrorMessage, "sign in again")

	time.Sleep(4 * testPollInterval)
	assert.Equal(t, 1, backend.count(FnCheckDeviceStatus))
	assert.Empty(t, nav.all())
}

func TestVerificationWithoutDeviceIDNeverPolls(t *testing.T) {
	backend := newFakeBackend(func(_ string, _ []byte, w http.ResponseWriter) {
		respondJSON(w, http.StatusOK, decisionJSON(domain.TrustStatusApproved))
	})
	defer backend.Close()
	gw := gateway.New(backend.URL(), nil)
	v := NewVerification(domain.VerificationHandoff{Destination: "/dashboard"}, gw, VerificationConfig{
		PollInterval: testPollInterval,
	})
	defer v.Stop()

	v.Start(context.Background())
	time.Sleep(3 * testPollInterval)

	assert.Zero(t, backend.count(FnCheckDeviceStatus))
	st := v.State()
	assert.Equal(t, domain.TrustStatusUnregistered, st.Status)
	assert.NotEmpty(t, st.ErrorMessage)
}

func TestVerificationResendUpdatesInfo(t *testing.T) {
	var mu sync.Mutex
	var resendSeen bool
	backend := newFakeBackend(func(_ string, body []byte, w http.ResponseWriter) {
		var req struct {
			Resend bool `json:"resend"`
		}
		if json.Unmarshal(body, &req) == nil && req.Resend {
			mu.Lock()
			resendSeen = true
			mu.Unlock()
		}
		respondJSON(w, http.StatusOK, decisionJSON(domain.TrustStatusPending))
	})
	defer backend.Close()
	v := newVerifyFixture(t, backend, nil)

	v.Start(context.Background())
	require.Eventually(t, func() bool {
		return backend.count(FnCheckDeviceStatus) >= 1
	}, time.Second, 5*time.Millisecond)

	v.Resend(context.Background())

	st := v.State()
	assert.Equal(t, domain.TrustStatusPending, st.Status)
	assert.Equal(t, resendNotice, st.InfoMessage)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, resendSeen, "the resend flag must reach the backend")
}

func TestVerificationResendShortCircuitsToApproved(t *testing.T) {
	backend := newFakeBackend(func(_ string, _ []byte, w http.ResponseWriter) {
		respondJSON(w, http.StatusOK, decisionJSON(domain.TrustStatusPending))
	})
	defer backend.Close()
	nav := &navRecorder{}
	v := newVerifyFixture(t, backend, nav)

	v.Start(context.Background())
	require.Eventually(t, func() bool {
		return backend.count(FnCheckDeviceStatus) >= 1
	}, time.Second, 5*time.Millisecond)

	backend.setHandler(func(_ string, _ []byte, w http.ResponseWriter) {
		respondJSON(w, http.StatusOK, decisionJSON(domain.TrustStatusApproved))
	})
	v.Resend(context.Background())

	assert.Equal(t, domain.TrustStatusApproved, v.State().Status)
	require.Eventually(t, func() bool {
		return len(nav.all()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestVerificationStopCancelsEverything(t *testing.T) {
	backend := newFakeBackend(func(_ string, _ []byte, w http.ResponseWriter) {
		respondJSON(w, http.StatusOK, decisionJSON(domain.TrustStatusPending))
	})
	defer backend.Close()
	v := newVerifyFixture(t, backend, nil)

	v.Start(context.Background())
	require.Eventually(t, func() bool {
		return backend.count(FnCheckDeviceStatus) >= 1
	}, time.Second, 5*time.Millisecond)

	v.Stop()
	settled := backend.count(FnCheckDeviceStatus)
	time.Sleep(4 * testPollInterval)
	// One in-flight check may land after Stop; the timer itself is dead.
	assert.LessOrEqual(t, backend.count(FnCheckDeviceStatus), settled+1)

	// Post-teardown actions must not mutate state.
	before := v.State()
	v.Resend(context.Background())
	assert.Equal(t, before, v.State())
}

func TestVerificationStopDuringApprovedDelaySuppressesNavigation(t *testing.T) {
	backend := newFakeBackend(func(_ string, _ []byte, w http.ResponseWriter) {
		respondJSON(w, http.StatusOK, decisionJSON(domain.TrustStatusApproved))
	})
	defer backend.Close()
	nav := &navRecorder{}
	gw := gateway.New(backend.URL(), nil)
	v := NewVerification(domain.VerificationHandoff{DeviceID: "dev-42", Destination: "/dashboard"}, gw, VerificationConfig{
		PollInterval:  testPollInterval,
		ApprovedDelay: 500 * time.Millisecond,
		OnNavigate:    nav.record,
	})

	v.Start(context.Background())
	require.Eventually(t, func() bool {
		return v.State().Status == domain.TrustStatusApproved
	}, time.Second, 5*time.Millisecond)

	v.Stop()
	time.Sleep(600 * time.Millisecond)
	assert.Empty(t, nav.all(), "teardown during the redirect delay must abandon the navigation")
}
