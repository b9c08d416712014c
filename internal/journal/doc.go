// Package journal records renewal outcomes in PostgreSQL.
//
// Rows are appended to the token_renewals table in batches. Token values are
// never written; only expiry, delivery counts and failure reasons.
package journal
