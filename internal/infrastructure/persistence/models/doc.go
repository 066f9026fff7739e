// Package models contains the GORM persistence models behind the sync
// repositories. Domain types in internal/domain/integration stay free of
// ORM tags; each model converts with ToDomain and FromDomain.
//
//   - sync_link.go: one row per CRM source record and its accounting invoice
//   - reconciliation_run.go: append-only reconciliation run log
//   - oauth_token.go: encrypted OAuth token records for the database credential store
//
// The schema itself is owned by the SQL files under migrations/; the models
// must stay column-compatible with them.
package models
