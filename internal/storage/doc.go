// Package storage provides the persistence layer behind the registry.
//
// It currently supports:
//   - Tracked product rows and their rolling price history
//   - Notification records (the exactly-once crossing guard)
package storage
