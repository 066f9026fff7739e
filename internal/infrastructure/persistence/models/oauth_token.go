package models

import (
	"time"

	"github.com/erp/invoicesync/internal/domain/integration"
)

// OAuthTokenModel is one stored credential. (service, instance_key) is the
// primary key so a pair can hold at most one live record.
// AccessToken and RefreshToken hold cipher envelopes when encryption is on.
type OAuthTokenModel struct {
	Service      integration.ServiceType `gorm:"type:varchar(20);primaryKey"`
	InstanceKey  string                  `gorm:"type:varchar(255);primaryKey"`
	AccessToken  string                  `gorm:"type:text;not null"`
	RefreshToken string                  `gorm:"type:text"`
	TokenType    string                  `gorm:"type:varchar(20)"`
	InstanceURL  string                  `gorm:"type:varchar(255)"`
	Scope        string                  `gorm:"type:text"`
	ExpiresAt    time.Time               `gorm:"not null"`
	CreatedAt    time.Time               `gorm:"not null"`
	UpdatedAt    time.Time               `gorm:"not null"`
}

// TableName returns the table name for GORM
func (OAuthTokenModel) TableName() string {
	return "oauth_tokens"
}

// ToDomain converts the persistence model to a TokenRecord
func (m *OAuthTokenModel) ToDomain() integration.TokenRecord {
	return integration.TokenRecord{
		Service:      m.Service,
		InstanceKey:  m.InstanceKey,
		AccessToken:  m.AccessToken,
		RefreshToken: m.RefreshToken,
		TokenType:    m.TokenType,
		InstanceURL:  m.InstanceURL,
		Scope:        m.Scope,
		ExpiresAt:    m.ExpiresAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// FromDomain populates the persistence model from a TokenRecord
func (m *OAuthTokenModel) FromDomain(rec integration.TokenRecord) {
	m.Service = rec.Service
	m.InstanceKey = rec.InstanceKey
	m.AccessToken = rec.AccessToken
	m.RefreshToken = rec.RefreshToken
	m.TokenType = rec.TokenType
	m.InstanceURL = rec.InstanceURL
	m.Scope = rec.Scope
	m.ExpiresAt = rec.ExpiresAt
	m.CreatedAt = rec.CreatedAt
	m.UpdatedAt = rec.UpdatedAt
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
}
