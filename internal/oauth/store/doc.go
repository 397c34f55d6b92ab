// Package store implements the persisted state of the authorization server:
// registered OAuth clients, login sessions, and refresh tokens. Each store
// exclusively owns one in-memory map and one encrypted file; file writes are
// serialized per path through fslock and coalesced with a debounced save
// task where write bursts are expected.
package store
