// Package api provides the Bitfinex REST client used to issue WebSocket auth
// tokens, and a renewal.Provider built on it.
//
// REST endpoint:
//   - Production: https://api.bitfinex.com
//
// Authenticated calls are signed with the account's API key pair (see package
// auth). Token generation is POST /v2/auth/w/token.
package api
