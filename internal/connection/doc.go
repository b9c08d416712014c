// Package connection implements the venue WebSocket connections that carry the
// auth token.
//
// The connection Pool:
//   - Opens a fixed number of ws2 connections, each with a uuid ID
//   - Runs lifecycle hooks (Created/Destroyed) so plugins can track connections
//   - Re-applies the last token after a reconnect
//   - Handles reconnection with exponential backoff
//   - Merges raw messages and plugin events from every connection
package connection
