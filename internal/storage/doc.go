package storage

// Package storage provides a minimal persistence layer beside the state
// snapshot.
//
// It currently supports:
//   - Audit log appends (role grants/revokes, announcements, deliveries)
//   - Dedup keys with expiry (cross-restart spacing of repeated notices)
