// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Renewal outcomes and consecutive failure count
//   - Expiry of the current token
//   - Registered managers and connection pool state
package metrics
