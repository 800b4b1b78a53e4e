// Package backend selects where the serving snapshot is loaded from.
package backend

import (
	"context"

	"txtax/internal/allocation"
	"txtax/internal/storage"
)

// Loader produces a complete dataset for one snapshot.
type Loader interface {
	Load(ctx context.Context) (*allocation.Dataset, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (*allocation.Dataset, error)

func (f LoaderFunc) Load(ctx context.Context) (*allocation.Dataset, error) { return f(ctx) }

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult contains the loader and optional cleanup function. Repository is set
// only for the sqlite backend.
type BackendResult struct {
	Loader     Loader
	Repository *storage.SQLiteRepository
	Cleanup    CleanupFunc
}

// Close runs the cleanup function if there is one.
func (r *BackendResult) Close() error {
	if r == nil || r.Cleanup == nil {
		return nil
	}
	return r.Cleanup()
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type         BackendType
	DataDir      string
	SQLiteDBPath string
}

// BackendType represents the type of backend
type BackendType string

const (
	JSONBackend   BackendType = "json"
	SQLiteBackend BackendType = "sqlite"
)

func (bt BackendType) String() string {
	return string(bt)
}

func (bt BackendType) IsValid() bool {
	switch bt {
	case JSONBackend, SQLiteBackend:
		return true
	default:
		return false
	}
}
