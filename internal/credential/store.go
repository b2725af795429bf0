package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// FileStore
// ---------------------------------------------------------------------------

// FileStore keeps each provider's credential in <dir>/<provider>_access_token.json.
// Writes go to a temp file in the same directory and are renamed into place,
// so concurrent readers never observe a partial file.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir. An empty dir means the OS
// temp directory.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = os.TempDir()
	}
	return &FileStore{dir: dir}
}

func (s *FileStore) path(provider string) (string, error) {
	if provider == "" || strings.ContainsAny(provider, `/\`) || provider == "." || provider == ".." {
		return "", fmt.Errorf("invalid provider name %q", provider)
	}
	return filepath.Join(s.dir, provider+"_access_token.json"), nil
}

// Load reads the provider's file. A missing file is not an error.
func (s *FileStore) Load(_ context.Context, provider string) (Credential, bool, error) {
	path, err := s.path(provider)
	if err != nil {
		return Credential{}, false, err
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("reading %s: %w", path, err)
	}

	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return Credential{}, false, fmt.Errorf("decoding %s: %w", path, err)
	}
	return cred, true, nil
}

// Save replaces the provider's file atomically.
func (s *FileStore) Save(_ context.Context, provider string, cred Credential) error {
	path, err := s.path(provider)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, provider+"_access_token.*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// RedisStore
// ---------------------------------------------------------------------------

// DefaultKeyPrefix namespaces credential keys in a shared Redis.
const DefaultKeyPrefix = "llmgateway:credential:"

// RedisStore keeps credentials as JSON strings that Redis expires together
// with the token, so several gateway processes share one token.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps client. An empty prefix means DefaultKeyPrefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Load returns the stored credential, if any.
func (s *RedisStore) Load(ctx context.Context, provider string) (Credential, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+provider).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("redis get: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return Credential{}, false, fmt.Errorf("decoding credential for %s: %w", provider, err)
	}
	return cred, true, nil
}

// Save stores cred with a TTL that ends at its expiry. An already expired
// credential deletes the key instead.
func (s *RedisStore) Save(ctx context.Context, provider string, cred Credential) error {
	key := s.prefix + provider

	ttl := cred.Expiry().Sub(s.now())
	if ttl <= 0 {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential)}
}

func (s *MemoryStore) Load(_ context.Context, provider string) (Credential, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[provider]
	return cred, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, provider string, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[provider] = cred
	return nil
}
