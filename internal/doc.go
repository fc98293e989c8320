// Package internal holds helpers private to vigil.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - rate: Redis-backed fixed-window counters for login throttling
//   - security: posture summary behind Engine.SecurityReport
//   - stores: TTL-bound temporal state over Redis
package internal
