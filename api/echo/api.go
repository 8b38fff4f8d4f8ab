// Package echo exposes the device-trust navigation surface: /login,
// /device-verification and /confirm-device, plus logout and health. The
// front-end applies every redirectTo with history replacement, so
// back-navigation cannot return to a finished verification screen.
package echo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	devicegate "go.glassdash.io/devicegate"
	"go.glassdash.io/devicegate/domain"
	"go.glassdash.io/devicegate/gateway"
)

const sessionCookie = "dg_session"

const expiredSessionNotice = "Your verification session has expired. Please sign in again."

// API holds the handler dependencies and the per-browser verification
// session registry. Sessions live in a TTL cache; eviction (expiry or
// logout) tears the underlying poller down so no timer outlives its
// screen.
type API struct {
	login        *devicegate.LoginService
	idp          devicegate.IdentityProvider
	gw           *gateway.Gateway
	verifyCfg    devicegate.VerificationConfig
	confirmDelay time.Duration
	sessions     *ttlcache.Cache[string, *devicegate.Verification]
}

// NewAPI wires the web surface.
func NewAPI(
	login *devicegate.LoginService,
	idp devicegate.IdentityProvider,
	gw *gateway.Gateway,
	verifyCfg devicegate.VerificationConfig,
	confirmDelay time.Duration,
	sessionTTL time.Duration,
) *API {
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	sessions := ttlcache.New(
		ttlcache.WithTTL[string, *devicegate.Verification](sessionTTL),
	)
	sessions.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *devicegate.Verification]) {
		item.Value().Stop()
	})
	go sessions.Start()

	return &API{
		login:        login,
		idp:          idp,
		gw:           gw,
		verifyCfg:    verifyCfg,
		confirmDelay: confirmDelay,
		sessions:     sessions,
	}
}

// Close stops all live verification sessions and the registry itself.
func (a *API) Close() {
	a.sessions.DeleteAll()
	a.sessions.Stop()
}

// RegisterRoutes registers the navigation surface.
func (a *API) RegisterRoutes(e *echo.Echo) {
	e.POST("/login", a.LoginHandler)
	e.GET("/device-verification", a.VerificationHandler)
	e.POST("/device-verification/resend", a.ResendHandler)
	e.POST("/logout", a.LogoutHandler)
	e.GET("/confirm-device", a.ConfirmDeviceHandler)
	e.GET("/healthz", a.HealthHandler)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type redirectResponse struct {
	RedirectTo string `json:"redirectTo"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// LoginHandler runs the login orchestration. A trusted device gets its
// landing path; a pending one gets a verification session and is sent to
// the verification screen.
func (a *API) LoginHandler(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Malformed login request."})
	}
	if req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Email and password are required."})
	}

	result, err := a.login.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return a.loginError(c, err)
	}

	if result.Destination != "" {
		return c.JSON(http.StatusOK, redirectResponse{RedirectTo: result.Destination})
	}

	sessionID := uuid.NewString()
	verification := devicegate.NewVerification(*result.Verification, a.gw, a.verifyCfg)
	// The poller is session-scoped, not request-scoped: it keeps checking
	// after this response until approval, teardown or registry expiry.
	verification.Start(context.Background())
	a.sessions.Set(sessionID, verification, ttlcache.DefaultTTL)

	c.SetCookie(&http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return c.JSON(http.StatusOK, redirectResponse{RedirectTo: "/device-verification"})
}

func (a *API) loginError(c echo.Context, err error) error {
	var authErr *devicegate.AuthError
	if errors.As(err, &authErr) {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Message})
	}
	var flowErr *devicegate.FlowError
	if errors.As(err, &flowErr) {
		status := http.StatusBadGateway
		if flowErr.RateLimited {
			status = http.StatusTooManyRequests
		}
		return c.JSON(status, errorResponse{Error: flowErr.Message})
	}
	if errors.Is(err, devicegate.ErrDeviceUnavailable) {
		return c.JSON(http.StatusForbidden, errorResponse{Error: err.Error()})
	}
	log.Ctx(c.Request().Context()).Error().Err(err).Msg("login failed")
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Login could not be completed. Please try again."})
}

// VerificationHandler reports the current verification snapshot. Opened
// without a live session (directly, or after expiry) it renders the
// terminal re-authenticate state.
func (a *API) VerificationHandler(c echo.Context) error {
	verification, ok := a.session(c)
	if !ok {
		return c.JSON(http.StatusOK, devicegate.VerificationState{
			Status:       domain.TrustStatusUnregistered,
			ErrorMessage: expiredSessionNotice,
		})
	}
	return c.JSON(http.StatusOK, verification.State())
}

// ResendHandler re-requests confirmation delivery for the pending device.
func (a *API) ResendHandler(c echo.Context) error {
	verification, ok := a.session(c)
	if !ok {
		return c.JSON(http.StatusGone, errorResponse{Error: expiredSessionNotice})
	}
	verification.Resend(c.Request().Context())
	return c.JSON(http.StatusOK, verification.State())
}

// LogoutHandler tears the verification session down before navigating
// away, then revokes the provider session.
func (a *API) LogoutHandler(c echo.Context) error {
	if cookie, err := c.Cookie(sessionCookie); err == nil {
		if item := a.sessions.Get(cookie.Value); item != nil {
			item.Value().Stop()
		}
		a.sessions.Delete(cookie.Value)
		c.SetCookie(&http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	}
	if err := a.idp.SignOut(c.Request().Context()); err != nil {
		log.Ctx(c.Request().Context()).Warn().Err(err).Msg("provider sign-out on logout")
	}
	return c.JSON(http.StatusOK, redirectResponse{RedirectTo: "/login"})
}

// ConfirmDeviceHandler serves the emailed link's landing page. The
// approved outcome auto-redirects (Refresh header) to the verification
// screen so a concurrently polling tab picks the change up.
func (a *API) ConfirmDeviceHandler(c echo.Context) error {
	token := c.QueryParam("token")
	view := devicegate.SubmitConfirmation(c.Request().Context(), a.gw, token, a.confirmDelay)

	status := http.StatusOK
	if view.Status == devicegate.ConfirmationFailed {
		status = http.StatusBadRequest
	}
	if view.RedirectTo != "" {
		c.Response().Header().Set("Refresh",
			fmt.Sprintf("%d; url=%s", int(view.RedirectAfter/time.Second), view.RedirectTo))
	}
	return c.JSON(status, view)
}

// HealthHandler reports liveness.
func (a *API) HealthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) session(c echo.Context) (*devicegate.Verification, bool) {
	cookie, err := c.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	item := a.sessions.Get(cookie.Value)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}
