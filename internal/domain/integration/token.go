package integration

import (
	"context"
	"sort"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// ServiceType identifies which external system a credential belongs to
// ---------------------------------------------------------------------------

// ServiceType identifies which external system a credential belongs to
type ServiceType string

const (
	// ServiceCRM is the system that originates sales records (Salesforce)
	ServiceCRM ServiceType = "crm"
	// ServiceAccounting is the system that issues invoices (QuickBooks)
	ServiceAccounting ServiceType = "accounting"
)

// AllServices lists the supported services in a stable order
var AllServices = []ServiceType{ServiceCRM, ServiceAccounting}

// IsValid returns true if the service type is known
func (s ServiceType) IsValid() bool {
	return s == ServiceCRM || s == ServiceAccounting
}

// String returns the string representation of ServiceType
func (s ServiceType) String() string {
	return string(s)
}

// ParseServiceType accepts the canonical names and the provider names used in
// callback URLs registered with the providers.
func ParseServiceType(s string) (ServiceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crm", "salesforce":
		return ServiceCRM, nil
	case "accounting", "quickbooks":
		return ServiceAccounting, nil
	default:
		return "", ErrUnknownService
	}
}

// ---------------------------------------------------------------------------
// TokenRecord
// ---------------------------------------------------------------------------

// TokenRecord holds the OAuth credentials for one (service, instance) pair.
// InstanceKey is the CRM instance URL or the accounting realm id.
type TokenRecord struct {
	Service      ServiceType `json:"service"`
	InstanceKey  string      `json:"instanceKey"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	TokenType    string      `json:"tokenType,omitempty"`
	InstanceURL  string      `json:"instanceUrl,omitempty"`
	Scope        string      `json:"scope,omitempty"`
	ExpiresAt    time.Time   `json:"expiresAt"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Expired reports whether the access token should no longer be used at now,
// treating it as expired buffer early.
func (r TokenRecord) Expired(now time.Time, buffer time.Duration) bool {
	return !now.Before(r.ExpiresAt.Add(-buffer))
}

// CanRefresh reports whether a refresh token is available
func (r TokenRecord) CanRefresh() bool {
	return r.RefreshToken != ""
}

// ---------------------------------------------------------------------------
// CredentialState
// ---------------------------------------------------------------------------

// CredentialState is the full set of stored credentials keyed by service then
// instance key.
type CredentialState map[ServiceType]map[string]TokenRecord

// NewCredentialState returns an empty state with every service present
func NewCredentialState() CredentialState {
	state := make(CredentialState, len(AllServices))
	for _, s := range AllServices {
		state[s] = make(map[string]TokenRecord)
	}
	return state
}

// Get returns the record for a pair
func (c CredentialState) Get(service ServiceType, instanceKey string) (TokenRecord, bool) {
	recs, ok := c[service]
	if !ok {
		return TokenRecord{}, false
	}
	rec, ok := recs[instanceKey]
	return rec, ok
}

// Put inserts or replaces the record for its pair
func (c CredentialState) Put(rec TokenRecord) {
	recs, ok := c[rec.Service]
	if !ok {
		recs = make(map[string]TokenRecord)
		c[rec.Service] = recs
	}
	recs[rec.InstanceKey] = rec
}

// Delete removes the record for a pair. It reports whether one existed.
func (c CredentialState) Delete(service ServiceType, instanceKey string) bool {
	recs, ok := c[service]
	if !ok {
		return false
	}
	if _, ok := recs[instanceKey]; !ok {
		return false
	}
	delete(recs, instanceKey)
	return true
}

// Instances returns the instance keys stored for a service, sorted
func (c CredentialState) Instances(service ServiceType) []string {
	keys := make([]string, 0, len(c[service]))
	for k := range c[service] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy
func (c CredentialState) Clone() CredentialState {
	out := NewCredentialState()
	for service, recs := range c {
		if _, ok := out[service]; !ok {
			out[service] = make(map[string]TokenRecord, len(recs))
		}
		for k, v := range recs {
			out[service][k] = v
		}
	}
	return out
}

// Len returns the number of stored records
func (c CredentialState) Len() int {
	n := 0
	for _, recs := range c {
		n += len(recs)
	}
	return n
}

// ---------------------------------------------------------------------------
// CredentialStore port
// ---------------------------------------------------------------------------

// CredentialStore persists CredentialState.
//
// Load returns an empty state on first use and a *StorageError when persisted
// state exists but cannot be read. It never returns partial data.
// Save persists the whole state atomically.
type CredentialStore interface {
	Load(ctx context.Context) (CredentialState, error)
	Save(ctx context.Context, state CredentialState) error
}
