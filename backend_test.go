package devicegate

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"go.glassdash.io/devicegate/gateway"
)

// fakeBackend is a scriptable stand-in for the remote function backend.
// The handler can be swapped mid-test to flip a pending device to approved.
type fakeBackend struct {
	mu      sync.Mutex
	srv     *httptest.Server
	calls   map[string]int
	headers map[string]string // last X-Device-Id per function
	handler func(name string, body []byte, w http.ResponseWriter)
}

func newFakeBackend(handler func(name string, body []byte, w http.ResponseWriter)) *fakeBackend {
	b := &fakeBackend{
		calls:   make(map[string]int),
		headers: make(map[string]string),
		handler: handler,
	}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		body, _ := io.ReadAll(r.Body)

		b.mu.Lock()
		b.calls[name]++
		b.headers[name] = r.Header.Get(gateway.DeviceIDHeader)
		handler := b.handler
		b.mu.Unlock()

		handler(name, body, w)
	}))
	return b
}

func (b *fakeBackend) Close() { b.srv.Close() }

func (b *fakeBackend) URL() string { return b.srv.URL }

func (b *fakeBackend) setHandler(handler func(name string, body []byte, w http.ResponseWriter)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

func (b *fakeBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) deviceHeader(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headers[name]
}

func respondJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// stubIdentityProvider records authentication and sign-out activity.
type stubIdentityProvider struct {
	mu       sync.Mutex
	ident    *Identity
	authErr  error
	signOuts int
}

func (s *stubIdentityProvider) Authenticate(context.Context, string, string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authErr != nil {
		return nil, s.authErr
	}
	return s.ident, nil
}

func (s *stubIdentityProvider) SignOut(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signOuts++
	return nil
}

func (s *stubIdentityProvider) signOutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signOuts
}
