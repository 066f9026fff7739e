package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/erp/invoicesync/internal/domain/integration"
	"go.uber.org/zap"
)

// FileStore keeps the credential state in one JSON document on disk,
// optionally encrypted. Writes replace the file atomically.
type FileStore struct {
	path   string
	cipher *Cipher
	logger *zap.Logger
	mu     sync.Mutex
}

// Ensure FileStore implements CredentialStore
var _ integration.CredentialStore = (*FileStore)(nil)

// NewFileStore creates a file-backed store. cipher may be nil to store plain
// JSON (development only).
func NewFileStore(path string, cipher *Cipher, logger *zap.Logger) *FileStore {
	return &FileStore{
		path:   path,
		cipher: cipher,
		logger: logger,
	}
}

// Load reads the state. A missing file yields an empty state.
func (s *FileStore) Load(ctx context.Context) (integration.CredentialState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() (integration.CredentialState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return integration.NewCredentialState(), nil
	}
	if err != nil {
		return nil, &integration.StorageError{Op: "read " + s.path, Err: err}
	}
	return decodeState(data, s.cipher, s.logger)
}

// Save writes the whole state to a temp file and renames it over the target
func (s *FileStore) Save(ctx context.Context, state integration.CredentialState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := encodeState(state, s.cipher)
	if err != nil {
		return &integration.StorageError{Op: "encode", Err: err}
	}

	if err := writeFileAtomic(s.path, payload, 0o600); err != nil {
		return &integration.StorageError{Op: "write " + s.path, Err: err}
	}
	return nil
}

// Path returns the backing file path
func (s *FileStore) Path() string {
	return s.path
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// decodeState parses a stored document. Plain JSON is accepted even when a
// cipher is configured so that unencrypted files keep working until the next
// save re-encrypts them.
func decodeState(data []byte, c *Cipher, logger *zap.Logger) (integration.CredentialState, error) {
	if len(data) == 0 {
		return integration.NewCredentialState(), nil
	}

	raw := data
	if IsEnvelope(data) {
		if c == nil {
			return nil, &integration.StorageError{Op: "decrypt", Err: errors.New("state is encrypted but no key is configured")}
		}
		plain, err := c.Decrypt(string(data))
		if err != nil {
			return nil, &integration.StorageError{Op: "decrypt", Err: err}
		}
		raw = plain
	} else if c != nil && logger != nil {
		logger.Warn("credential state is stored unencrypted, it will be encrypted on next save")
	}

	var decoded map[string]map[string]integration.TokenRecord
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &integration.StorageError{Op: "parse", Err: err}
	}

	// Files written before the service rename use provider names as keys
	state := integration.NewCredentialState()
	for name, recs := range decoded {
		service, err := integration.ParseServiceType(name)
		if err != nil {
			return nil, &integration.StorageError{Op: "parse", Err: fmt.Errorf("unknown service %q", name)}
		}
		for key, rec := range recs {
			rec.Service = service
			rec.InstanceKey = key
			state.Put(rec)
		}
	}
	return state, nil
}

func encodeState(state integration.CredentialState, c *Cipher) ([]byte, error) {
	if state == nil {
		state = integration.NewCredentialState()
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, err
	}
	if c == nil {
		return raw, nil
	}
	envelope, err := c.Encrypt(raw)
	if err != nil {
		return nil, err
	}
	return []byte(envelope), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
