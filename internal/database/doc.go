// Package database provides the PostgreSQL connection pool backing the renewal
// journal.
package database
