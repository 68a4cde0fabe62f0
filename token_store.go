package medimate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Storage keys of the persisted session.
const (
	TokenKey     = "medimate_auth_token"
	UserKey      = "medimate_user"
	ExpiresAtKey = "medimate_session_expires_at"
)

// Session is the authenticated state written by login and register.
type Session struct {
	Token     string    `json:"token"`
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Valid reports whether the session carries a token that has not expired.
// A zero ExpiresAt never expires.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

//go:generate mockgen -source=token_store.go -destination=internal/mocks/mock_token_store.go -package=mocks

// TokenStore persists the session. Get returns (nil, nil) when no valid
// session is stored; expired sessions are reported absent.
type TokenStore interface {
	Get(ctx context.Context) (*Session, error)
	Set(ctx context.Context, session *Session) error
	Clear(ctx context.Context) error
}

// MemoryTokenStore keeps the session in process memory.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	session *Session
	now     func() time.Time
}

// NewMemoryTokenStore returns an empty store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{now: time.Now}
}

// Get implements TokenStore.
func (s *MemoryTokenStore) Get(_ context.Context) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.session.Valid(s.now()) {
		return nil, nil
	}
	cp := *s.session
	return &cp, nil
}

// Set implements TokenStore.
func (s *MemoryTokenStore) Set(_ context.Context, session *Session) error {
	if session == nil {
		return errors.New("medimate: nil session")
	}
	cp := *session
	s.mu.Lock()
	s.session = &cp
	s.mu.Unlock()
	return nil
}

// Clear implements TokenStore.
func (s *MemoryTokenStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	return nil
}

// FileTokenStore persists the session in a directory, one file per storage
// key, so it survives process restarts. Files are replaced atomically.
type FileTokenStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileTokenStore returns a store rooted at dir, creating it if needed.
func NewFileTokenStore(dir string) (*FileTokenStore, error) {
	if dir == "" {
		return nil, errors.New("medimate: token store directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token store directory: %w", err)
	}
	return &FileTokenStore{dir: dir, now: time.Now}, nil
}

// Dir returns the storage directory.
func (s *FileTokenStore) Dir() string {
	return s.dir
}

// Get implements TokenStore.
func (s *FileTokenStore) Get(_ context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok, err := s.read(TokenKey)
	if err != nil || !ok {
		return nil, err
	}
	session := &Session{Token: strings.TrimSpace(string(token))}

	if raw, ok, err := s.read(UserKey); err != nil {
		return nil, err
	} else if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &session.User); err != nil {
			return nil, fmt.Errorf("decode stored user: %w", err)
		}
	}

	if raw, ok, err := s.read(ExpiresAtKey); err != nil {
		return nil, err
	} else if ok && len(raw) > 0 {
		expiresAt, err := time.Parse(time.RFC3339, strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode stored expiry: %w", err)
		}
		session.ExpiresAt = expiresAt
	}

	if !session.Valid(s.now()) {
		return nil, nil
	}
	return session, nil
}

// Set implements TokenStore.
func (s *FileTokenStore) Set(_ context.Context, session *Session) error {
	if session == nil {
		return errors.New("medimate: nil session")
	}
	user, err := json.Marshal(session.User)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(TokenKey, []byte(session.Token)); err != nil {
		return err
	}
	if err := s.write(UserKey, user); err != nil {
		return err
	}
	if session.ExpiresAt.IsZero() {
		return s.remove(ExpiresAtKey)
	}
	return s.write(ExpiresAtKey, []byte(session.ExpiresAt.UTC().Format(time.RFC3339)))
}

// Clear implements TokenStore.
func (s *FileTokenStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, key := range []string{TokenKey, UserKey, ExpiresAtKey} {
		if err := s.remove(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *FileTokenStore) read(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return data, true, nil
}

func (s *FileTokenStore) write(key string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, key)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *FileTokenStore) remove(key string) error {
	err := os.Remove(filepath.Join(s.dir, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}
