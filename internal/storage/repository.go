// Package storage persists dataset snapshots and refresh history in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"txtax/internal/census"
	"txtax/internal/core"
	"txtax/internal/crosswalk"
	"txtax/internal/spending"

	_ "modernc.org/sqlite"
)

// Dataset names used in dataset_meta and refresh_runs.
const (
	DatasetCrosswalk = "crosswalk"
	DatasetCensus    = "census"
	DatasetSpending  = "spending"
)

// ErrNoSnapshot is returned when a dataset has never been saved.
var ErrNoSnapshot = errors.New("no snapshot stored")

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	version, err := migrateSnapshotStore(dbPath)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("Snapshot store ready", "db_path", dbPath, "schema_version", version)

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// inTx runs fn inside a transaction, rolling back on error.
func (r *SQLiteRepository) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Snapshot groups the three datasets. SaveSnapshot skips nil members; LoadSnapshot
// fills all of them.
type Snapshot struct {
	Crosswalk *crosswalk.Artifact
	Census    *census.Artifact
	Spending  *spending.Artifact
}

// SaveSnapshot replaces the stored datasets in one transaction, so a failure leaves the
// previous snapshot intact.
func (r *SQLiteRepository) SaveSnapshot(ctx context.Context, snap Snapshot, runID string) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if snap.Crosswalk != nil {
			if err := saveCrosswalk(ctx, tx, *snap.Crosswalk, runID); err != nil {
				return err
			}
		}
		if snap.Census != nil {
			if err := saveCensus(ctx, tx, *snap.Census, runID); err != nil {
				return err
			}
		}
		if snap.Spending != nil {
			if err := saveSpending(ctx, tx, *snap.Spending, runID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	attrs := []any{"run_id", runID}
	if snap.Crosswalk != nil {
		attrs = append(attrs, "zip_codes", len(snap.Crosswalk.Crosswalk))
	}
	if snap.Census != nil {
		attrs = append(attrs, "census_jurisdictions", len(snap.Census.Jurisdictions))
	}
	if snap.Spending != nil {
		attrs = append(attrs, "spending_jurisdictions", len(snap.Spending.Jurisdictions))
	}
	slog.InfoContext(ctx, "Snapshot saved to SQLite", attrs...)
	return nil
}

// LoadSnapshot reads all three datasets inside one transaction so a concurrent
// SaveSnapshot is seen entirely or not at all.
func (r *SQLiteRepository) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		cw, err := loadCrosswalk(ctx, tx)
		if err != nil {
			return fmt.Errorf("load crosswalk: %w", err)
		}
		c, err := loadCensus(ctx, tx)
		if err != nil {
			return fmt.Errorf("load census: %w", err)
		}
		sp, err := loadSpending(ctx, tx)
		if err != nil {
			return fmt.Errorf("load spending: %w", err)
		}
		snap = Snapshot{Crosswalk: &cw, Census: &c, Spending: &sp}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func upsertMeta(ctx context.Context, tx *sql.Tx, dataset string, generatedAt time.Time, fiscalYear, runID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dataset_meta (dataset, generated_at, fiscal_year, run_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dataset) DO UPDATE SET
			generated_at = excluded.generated_at,
			fiscal_year = excluded.fiscal_year,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at`,
		dataset, formatTime(generatedAt), fiscalYear, runID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("update %s metadata: %w", dataset, err)
	}
	return nil
}

type meta struct {
	generatedAt time.Time
	fiscalYear  string
}

func readMeta(ctx context.Context, tx *sql.Tx, dataset string) (meta, error) {
	var generatedAt, fiscalYear string
	err := tx.QueryRowContext(ctx,
		`SELECT generated_at, fiscal_year FROM dataset_meta WHERE dataset = ?`, dataset,
	).Scan(&generatedAt, &fiscalYear)
	if errors.Is(err, sql.ErrNoRows) {
		return meta{}, fmt.Errorf("%w: %s", ErrNoSnapshot, dataset)
	}
	if err != nil {
		return meta{}, fmt.Errorf("read %s metadata: %w", dataset, err)
	}
	return meta{generatedAt: parseTime(generatedAt), fiscalYear: fiscalYear}, nil
}

func saveCrosswalk(ctx context.Context, tx *sql.Tx, a crosswalk.Artifact, runID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM crosswalk`); err != nil {
		return fmt.Errorf("clear crosswalk: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO crosswalk (zip_code, jurisdiction_name, jurisdiction_fips) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare crosswalk insert: %w", err)
	}
	defer stmt.Close()

	for zip, e := range a.Crosswalk {
		if _, err := stmt.ExecContext(ctx, zip, e.JurisdictionName, e.JurisdictionFips); err != nil {
			return fmt.Errorf("insert crosswalk %s: %w", zip, err)
		}
	}
	return upsertMeta(ctx, tx, DatasetCrosswalk, a.GeneratedAt, "", runID)
}

func loadCrosswalk(ctx context.Context, tx *sql.Tx) (crosswalk.Artifact, error) {
	m, err := readMeta(ctx, tx, DatasetCrosswalk)
	if err != nil {
		return crosswalk.Artifact{}, err
	}

	cw := crosswalk.Crosswalk{}
	err = scanEach(ctx, tx, `SELECT zip_code, jurisdiction_name, jurisdiction_fips FROM crosswalk`, func(rows *sql.Rows) error {
		var e crosswalk.Entry
		if err := rows.Scan(&e.ZipCode, &e.JurisdictionName, &e.JurisdictionFips); err != nil {
			return fmt.Errorf("scan crosswalk: %w", err)
		}
		cw[e.ZipCode] = e
		return nil
	})
	if err != nil {
		return crosswalk.Artifact{}, err
	}
	return crosswalk.NewArtifact(cw, m.generatedAt), nil
}

func saveCensus(ctx context.Context, tx *sql.Tx, a census.Artifact, runID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM census_jurisdictions`); err != nil {
		return fmt.Errorf("clear census: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO census_state (id, median_income, population) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET median_income = excluded.median_income, population = excluded.population`,
		a.StateMedianIncome, a.StatePopulation); err != nil {
		return fmt.Errorf("save census state row: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO census_jurisdictions (name_key, fips, name, population, median_household_income)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare census insert: %w", err)
	}
	defer stmt.Close()

	for key, j := range a.Jurisdictions {
		if _, err := stmt.ExecContext(ctx, key, j.Fips, j.Name, j.Population, j.MedianHouseholdIncome); err != nil {
			return fmt.Errorf("insert census %s: %w", key, err)
		}
	}
	return upsertMeta(ctx, tx, DatasetCensus, a.GeneratedAt, "", runID)
}

func loadCensus(ctx context.Context, tx *sql.Tx) (census.Artifact, error) {
	m, err := readMeta(ctx, tx, DatasetCensus)
	if err != nil {
		return census.Artifact{}, err
	}

	out := census.Artifact{GeneratedAt: m.generatedAt, Jurisdictions: map[string]census.Jurisdiction{}}
	err = tx.QueryRowContext(ctx, `SELECT median_income, population FROM census_state WHERE id = 1`).
		Scan(&out.StateMedianIncome, &out.StatePopulation)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return census.Artifact{}, fmt.Errorf("read census state row: %w", err)
	}

	err = scanEach(ctx, tx,
		`SELECT name_key, fips, name, population, median_household_income FROM census_jurisdictions`,
		func(rows *sql.Rows) error {
			var key string
			var j census.Jurisdiction
			if err := rows.Scan(&key, &j.Fips, &j.Name, &j.Population, &j.MedianHouseholdIncome); err != nil {
				return fmt.Errorf("scan census: %w", err)
			}
			out.Jurisdictions[key] = j
			return nil
		})
	if err != nil {
		return census.Artifact{}, err
	}
	return out, nil
}

func saveSpending(ctx context.Context, tx *sql.Tx, a spending.Artifact, runID string) error {
	for _, table := range []string{"spending_expenditure_types", "spending_agencies", "spending_categories", "spending_jurisdictions"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	insJur, err := tx.PrepareContext(ctx, `INSERT INTO spending_jurisdictions (name_key, total_spending) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare jurisdiction insert: %w", err)
	}
	defer insJur.Close()
	insCat, err := tx.PrepareContext(ctx, `INSERT INTO spending_categories (name_key, category, amount) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare category insert: %w", err)
	}
	defer insCat.Close()
	insAgency, err := tx.PrepareContext(ctx, `
		INSERT INTO spending_agencies (name_key, agency_id, agency_name, category, amount) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare agency insert: %w", err)
	}
	defer insAgency.Close()
	insType, err := tx.PrepareContext(ctx, `
		INSERT INTO spending_expenditure_types (name_key, expenditure_type, amount) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare expenditure type insert: %w", err)
	}
	defer insType.Close()

	for key, agg := range a.Jurisdictions {
		if _, err := insJur.ExecContext(ctx, key, agg.TotalSpending); err != nil {
			return fmt.Errorf("insert spending %s: %w", key, err)
		}
		for c, amount := range agg.ByCategory {
			if _, err := insCat.ExecContext(ctx, key, string(c), amount); err != nil {
				return fmt.Errorf("insert category %s/%s: %w", key, c, err)
			}
		}
		for id, ag := range agg.ByAgency {
			if _, err := insAgency.ExecContext(ctx, key, id, ag.Name, string(ag.Category), ag.Amount); err != nil {
				return fmt.Errorf("insert agency %s/%s: %w", key, id, err)
			}
		}
		for t, amount := range agg.ByExpenditureType {
			if _, err := insType.ExecContext(ctx, key, t, amount); err != nil {
				return fmt.Errorf("insert expenditure type %s/%s: %w", key, t, err)
			}
		}
	}
	return upsertMeta(ctx, tx, DatasetSpending, a.GeneratedAt, a.FiscalYear, runID)
}

func parseCategory(s string) (core.Category, error) {
	c := core.Category(s)
	if !c.IsValid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

func loadSpending(ctx context.Context, tx *sql.Tx) (spending.Artifact, error) {
	m, err := readMeta(ctx, tx, DatasetSpending)
	if err != nil {
		return spending.Artifact{}, err
	}

	jurisdictions := map[string]spending.Aggregate{}
	err = scanEach(ctx, tx, `SELECT name_key, total_spending FROM spending_jurisdictions`, func(rows *sql.Rows) error {
		agg := spending.Aggregate{
			ByCategory:        map[core.Category]float64{},
			ByAgency:          map[string]spending.AgencyTotal{},
			ByExpenditureType: map[string]float64{},
		}
		if err := rows.Scan(&agg.Jurisdiction, &agg.TotalSpending); err != nil {
			return fmt.Errorf("scan spending: %w", err)
		}
		jurisdictions[agg.Jurisdiction] = agg
		return nil
	})
	if err != nil {
		return spending.Artifact{}, err
	}

	err = scanEach(ctx, tx, `SELECT name_key, category, amount FROM spending_categories`, func(rows *sql.Rows) error {
		var key, name string
		var amount float64
		if err := rows.Scan(&key, &name, &amount); err != nil {
			return err
		}
		c, err := parseCategory(name)
		if err != nil {
			return err
		}
		if agg, ok := jurisdictions[key]; ok {
			agg.ByCategory[c] = amount
		}
		return nil
	})
	if err != nil {
		return spending.Artifact{}, fmt.Errorf("load spending categories: %w", err)
	}

	err = scanEach(ctx, tx, `SELECT name_key, agency_id, agency_name, category, amount FROM spending_agencies`, func(rows *sql.Rows) error {
		var key, id, name string
		var ag spending.AgencyTotal
		if err := rows.Scan(&key, &id, &ag.Name, &name, &ag.Amount); err != nil {
			return err
		}
		c, err := parseCategory(name)
		if err != nil {
			return err
		}
		ag.Category = c
		if agg, ok := jurisdictions[key]; ok {
			agg.ByAgency[id] = ag
		}
		return nil
	})
	if err != nil {
		return spending.Artifact{}, fmt.Errorf("load spending agencies: %w", err)
	}

	err = scanEach(ctx, tx, `SELECT name_key, expenditure_type, amount FROM spending_expenditure_types`, func(rows *sql.Rows) error {
		var key, t string
		var amount float64
		if err := rows.Scan(&key, &t, &amount); err != nil {
			return err
		}
		if agg, ok := jurisdictions[key]; ok {
			agg.ByExpenditureType[t] = amount
		}
		return nil
	})
	if err != nil {
		return spending.Artifact{}, fmt.Errorf("load expenditure types: %w", err)
	}

	return spending.Artifact{
		FiscalYear:         m.fiscalYear,
		GeneratedAt:        m.generatedAt,
		TotalJurisdictions: len(jurisdictions),
		Jurisdictions:      jurisdictions,
	}, nil
}

func scanEach(ctx context.Context, tx *sql.Tx, query string, fn func(*sql.Rows) error) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RefreshRun is one recorded ingestion attempt.
type RefreshRun struct {
	ID         string
	Dataset    string
	Status     string
	Records    int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// StartRun records the start of an ingestion run and returns its id.
func (r *SQLiteRepository) StartRun(ctx context.Context, dataset string) (string, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refresh_runs (id, dataset, status, started_at) VALUES (?, ?, 'running', ?)`,
		id, dataset, formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("start %s run: %w", dataset, err)
	}
	return id, nil
}

// FinishRun marks a run succeeded, or failed when runErr is non-nil.
func (r *SQLiteRepository) FinishRun(ctx context.Context, id string, records int, runErr error) error {
	status, msg := "succeeded", ""
	if runErr != nil {
		status, msg = "failed", runErr.Error()
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_runs SET status = ?, records = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, records, msg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// RecentRuns lists the latest runs, newest first.
func (r *SQLiteRepository) RecentRuns(ctx context.Context, limit int) ([]RefreshRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, dataset, status, records, error, started_at, COALESCE(finished_at, '')
		FROM refresh_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query refresh runs: %w", err)
	}
	defer rows.Close()

	var runs []RefreshRun
	for rows.Next() {
		var run RefreshRun
		var started, finished string
		if err := rows.Scan(&run.ID, &run.Dataset, &run.Status, &run.Records, &run.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan refresh run: %w", err)
		}
		run.StartedAt = parseTime(started)
		run.FinishedAt = parseTime(finished)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
