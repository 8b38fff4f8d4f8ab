// Package deviceid owns the stable per-profile device identifier and the
// best-effort descriptive metadata reported with login attempts.
package deviceid

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"go.glassdash.io/devicegate/domain"
)

// maxNameLen caps the assembled display name.
const maxNameLen = 200

const metadataCacheKey = "snapshot"

// Store generates, persists and describes the device identity. All reads
// and the create-if-absent write go through the configured Storage; the
// metadata snapshot cache is non-authoritative.
type Store struct {
	storage    Storage
	screenHint string
	snapshot   *ttlcache.Cache[string, domain.DeviceMetadata]
}

// NewStore creates a Store over the given backend. screenHint is an
// optional configured display-resolution descriptor; a service has no
// screen of its own.
func NewStore(storage Storage, screenHint string) *Store {
	snapshot := ttlcache.New(
		ttlcache.WithTTL[string, domain.DeviceMetadata](time.Hour),
		ttlcache.WithDisableTouchOnHit[string, domain.DeviceMetadata](),
	)
	go snapshot.Start()

	return &Store{
		storage:    storage,
		screenHint: screenHint,
		snapshot:   snapshot,
	}
}

// Close stops the snapshot cache's cleanup goroutine.
func (s *Store) Close() {
	s.snapshot.Stop()
}

// DeviceID returns the stored identifier without side effects. ok is false
// when none exists or storage is unusable.
func (s *Store) DeviceID(ctx context.Context) (string, bool) {
	id, err := s.storage.Load(ctx)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// EnsureDeviceID returns the existing identifier or atomically creates and
// persists a new one. ok is false only when persistent storage cannot be
// used at all; it never retries and never panics.
func (s *Store) EnsureDeviceID(ctx context.Context) (string, bool) {
	id, err := s.storage.Load(ctx)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("device identity storage unreadable")
		return "", false
	}
	if id != "" {
		return id, true
	}

	id, err = s.storage.StoreOnce(ctx, generateID())
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("device identifier could not be persisted")
		return "", false
	}
	log.Ctx(ctx).Info().Str("device_id", id).Msg("device identifier created")
	return id, true
}

// generateID prefers a cryptographically strong UUID and falls back to a
// time+random composite only when the secure generator is unavailable.
func generateID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	return fmt.Sprintf("dev-%d-%04x", time.Now().UnixNano(), rand.Uint32())
}

// CollectMetadata ensures the identifier and assembles the descriptive
// payload from the environment. A zero DeviceID means device trust cannot
// be evaluated and the caller must fail the login closed. The assembled
// snapshot is cached for fast non-authoritative reads.
func (s *Store) CollectMetadata(ctx context.Context) domain.DeviceMetadata {
	id, _ := s.EnsureDeviceID(ctx)

	meta := domain.DeviceMetadata{
		DeviceID:   id,
		DeviceName: truncate(deviceName(), maxNameLen),
		UserAgent:  userAgent(),
		Locale:     localeHint(),
		Timezone:   timezoneHint(),
		Screen:     s.screenHint,
	}
	s.snapshot.Set(metadataCacheKey, meta, ttlcache.DefaultTTL)
	return meta
}

// CachedMetadata returns the last assembled snapshot, if one is still
// fresh. Display purposes only; never authoritative.
func (s *Store) CachedMetadata() (domain.DeviceMetadata, bool) {
	item := s.snapshot.Get(metadataCacheKey)
	if item == nil {
		return domain.DeviceMetadata{}, false
	}
	return item.Value(), true
}

func deviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s (%s/%s, %d cpu)", host, runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
}

func userAgent() string {
	return fmt.Sprintf("glassdash-devicegate/1.0 (%s; %s)", runtime.GOOS, runtime.GOARCH)
}

// localeHint reads the POSIX locale environment, normalizing en_US.UTF-8
// style values to en-US.
func localeHint() string {
	for _, key := range []string{"LC_ALL", "LANG"} {
		raw := os.Getenv(key)
		if raw == "" || raw == "C" || raw == "POSIX" {
			continue
		}
		if i := strings.IndexByte(raw, '.'); i > 0 {
			raw = raw[:i]
		}
		return strings.ReplaceAll(raw, "_", "-")
	}
	return "en-US"
}

func timezoneHint() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	zone, _ := time.Now().Zone()
	if zone == "" {
		return "UTC"
	}
	return zone
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
