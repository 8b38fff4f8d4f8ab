package deviceid

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrStorageUnavailable signals that the backing store cannot be used at
// all. Callers degrade to "unknown device" rather than retrying.
var ErrStorageUnavailable = errors.New("device identity storage unavailable")

// Storage persists the single device identifier for this profile.
// The value is read-many, write-once: StoreOnce must never replace an
// existing identifier.
type Storage interface {
	// Load returns the stored identifier, or "" when none exists yet.
	Load(ctx context.Context) (string, error)
	// StoreOnce atomically persists id if no identifier exists yet and
	// returns the winning value (the existing one on a lost race).
	StoreOnce(ctx context.Context, id string) (string, error)
}

const identityFileName = "device.json"

type identityRecord struct {
	DeviceID  string    `json:"deviceId"`
	CreatedAt time.Time `json:"createdAt"`
}

// FileStorage keeps the identifier in a JSON file under the profile
// directory. Create-if-absent is enforced with O_EXCL so concurrent
// processes sharing the profile cannot double-create.
type FileStorage struct {
	mu   sync.Mutex
	path string
}

// NewFileStorage stores the identity file under dir.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{path: filepath.Join(dir, identityFileName)}
}

func (s *FileStorage) Load(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStorage) read() (string, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", ErrStorageUnavailable
	}
	var rec identityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A corrupt file is treated as unusable storage, not as absence:
		// regenerating here would break identifier stability.
		return "", ErrStorageUnavailable
	}
	return rec.DeviceID, nil
}

func (s *FileStorage) StoreOnce(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.read(); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return "", ErrStorageUnavailable
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		return s.read()
	}
	if err != nil {
		return "", ErrStorageUnavailable
	}
	defer f.Close()

	raw, err := json.Marshal(identityRecord{DeviceID: id, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", ErrStorageUnavailable
	}
	if _, err := f.Write(raw); err != nil {
		return "", ErrStorageUnavailable
	}
	return id, nil
}

// MemoryStorage is an in-process Storage, used in tests and ephemeral
// deployments.
type MemoryStorage struct {
	mu sync.Mutex
	id string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, nil
}

func (s *MemoryStorage) StoreOnce(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		return s.id, nil
	}
	s.id = id
	return id, nil
}
