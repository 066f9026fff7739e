package credential

import (
	"context"
	"errors"
	"sync"

	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/persistence/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GormStore keeps one oauth_tokens row per (service, instance key). Token
// columns are encrypted individually when a cipher is configured.
type GormStore struct {
	db     *gorm.DB
	cipher *Cipher
	logger *zap.Logger
	mu     sync.Mutex
}

// Ensure GormStore implements CredentialStore
var _ integration.CredentialStore = (*GormStore)(nil)

// NewGormStore creates a database-backed store
func NewGormStore(db *gorm.DB, cipher *Cipher, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     db,
		cipher: cipher,
		logger: logger,
	}
}

// Load reads every stored token. No rows yields an empty state.
func (s *GormStore) Load(ctx context.Context) (integration.CredentialState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []models.OAuthTokenModel
	if err := s.db.WithContext(ctx).Order("service, instance_key").Find(&rows).Error; err != nil {
		return nil, &integration.StorageError{Op: "select oauth_tokens", Err: err}
	}

	state := integration.NewCredentialState()
	for i := range rows {
		rec := rows[i].ToDomain()
		if !rec.Service.IsValid() {
			return nil, &integration.StorageError{Op: "parse", Err: integration.ErrUnknownService}
		}
		var err error
		if rec.AccessToken, err = s.open(rec.AccessToken); err != nil {
			return nil, &integration.StorageError{Op: "decrypt access token", Err: err}
		}
		if rec.RefreshToken, err = s.open(rec.RefreshToken); err != nil {
			return nil, &integration.StorageError{Op: "decrypt refresh token", Err: err}
		}
		state.Put(rec)
	}
	return state, nil
}

// Save replaces the stored rows with state inside one transaction
func (s *GormStore) Save(ctx context.Context, state integration.CredentialState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]models.OAuthTokenModel, 0, state.Len())
	for _, service := range integration.AllServices {
		for _, key := range state.Instances(service) {
			rec, _ := state.Get(service, key)
			var err error
			if rec.AccessToken, err = s.seal(rec.AccessToken); err != nil {
				return &integration.StorageError{Op: "encrypt access token", Err: err}
			}
			if rec.RefreshToken, err = s.seal(rec.RefreshToken); err != nil {
				return &integration.StorageError{Op: "encrypt refresh token", Err: err}
			}
			var m models.OAuthTokenModel
			m.FromDomain(rec)
			rows = append(rows, m)
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.OAuthTokenModel{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return &integration.StorageError{Op: "replace oauth_tokens", Err: err}
	}
	return nil
}

func (s *GormStore) seal(value string) (string, error) {
	if s.cipher == nil || value == "" {
		return value, nil
	}
	return s.cipher.Encrypt([]byte(value))
}

func (s *GormStore) open(value string) (string, error) {
	if value == "" || !IsEnvelope([]byte(value)) {
		if value != "" && s.cipher != nil {
			s.logger.Warn("stored token is unencrypted, it will be encrypted on next save")
		}
		return value, nil
	}
	if s.cipher == nil {
		return "", errors.New("token is encrypted but no key is configured")
	}
	plain, err := s.cipher.Decrypt(value)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
