package backend

import (
	"context"
	"fmt"
	"log/slog"

	"txtax/internal/allocation"
	"txtax/internal/artifact"
	"txtax/internal/census"
	"txtax/internal/crosswalk"
	"txtax/internal/spending"
	"txtax/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case JSONBackend:
		return f.createJSONBackend(config)
	case SQLiteBackend:
		return f.createSQLiteBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createJSONBackend(config Config) (*BackendResult, error) {
	paths := artifact.Paths{Dir: config.DataDir}

	f.logger.Info("Initialized JSON artifact backend", "data_directory", config.DataDir)

	return &BackendResult{
		Loader: LoaderFunc(func(ctx context.Context) (*allocation.Dataset, error) {
			return LoadArtifacts(paths)
		}),
	}, nil
}

func (f *DefaultFactory) createSQLiteBackend(config Config) (*BackendResult, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)

	return &BackendResult{
		Loader: LoaderFunc(func(ctx context.Context) (*allocation.Dataset, error) {
			return LoadRepository(ctx, repo)
		}),
		Repository: repo,
		Cleanup:    repo.Close,
	}, nil
}

// LoadArtifacts reads the three JSON artifacts and assembles a dataset.
func LoadArtifacts(paths artifact.Paths) (*allocation.Dataset, error) {
	var cw crosswalk.Artifact
	if err := artifact.ReadJSON(paths.Crosswalk(), &cw); err != nil {
		return nil, fmt.Errorf("load crosswalk: %w", err)
	}
	var c census.Artifact
	if err := artifact.ReadJSON(paths.Census(), &c); err != nil {
		return nil, fmt.Errorf("load census: %w", err)
	}
	var s spending.Artifact
	if err := artifact.ReadJSON(paths.Spending(), &s); err != nil {
		return nil, fmt.Errorf("load spending: %w", err)
	}
	return allocation.NewDataset(cw.Mappings(), c.Dataset(), s.Dataset()), nil
}

// LoadRepository rebuilds a dataset from the SQLite snapshot store.
func LoadRepository(ctx context.Context, repo *storage.SQLiteRepository) (*allocation.Dataset, error) {
	snap, err := repo.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return allocation.NewDataset(snap.Crosswalk.Mappings(), snap.Census.Dataset(), snap.Spending.Dataset()), nil
}
