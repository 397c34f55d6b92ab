// Package security provides the at-rest encryption, audit logging, and
// registration rate limiting used by the embedded authorization server.
package security
