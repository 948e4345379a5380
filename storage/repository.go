// Package storage provides the tab storage layer: sealed key/value records
// scoped to one client tab, surviving a process restart that reuses the tab
// but never shared between tabs.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTabNotFound is returned when no record was ever written for a tab.
	ErrTabNotFound = errors.New("tab not found")
)

// Repository defines the interface for sealed record storage. Records are
// grouped by tab ID.
type Repository interface {
	Put(tabID string, key string, envelope *Envelope) error
	Get(tabID string, key string) (*Envelope, error)
	Delete(tabID string, key string) error
	List(tabID string) ([]string, error)
}
