// Package renewal implements the token renewal scheduler.
//
// The scheduler:
//   - Tracks weakly referenced managers (live venue connections)
//   - Arms a single renewal timer once the first manager registers
//   - Renews the token RenewThreshold before it expires
//   - Retries failed renewals at a fixed interval, up to MaxRetries times
//   - Fans out new tokens and error notifications to every live manager
package renewal
