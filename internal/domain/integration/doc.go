// Package integration contains the Integration bounded context.
// This context keeps CRM sales records and accounting invoices in step.
//
// Key concepts:
//   - TokenRecord / CredentialStore: OAuth credentials per connected instance
//   - CRMClient: Port for reading source records and writing invoice status back
//   - AccountingClient: Port for customers, invoices and payments
//   - SyncLink: Mapping from one CRM source record to one accounting invoice
//   - ReconciliationRunRecord: Append-only record of each payment reconciliation run
//
// Design Pattern: Ports & Adapters
//   - Ports (interfaces) are defined here in the domain layer
//   - Adapters (implementations) are in the infrastructure layer
package integration
