package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"txtax/internal/census"
	"txtax/internal/core"
	"txtax/internal/crosswalk"
	"txtax/internal/spending"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "db", "txtax.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestLoadBeforeSave(t *testing.T) {
	repo := newTestRepo(t)

	if _, err := repo.LoadSnapshot(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("LoadSnapshot err = %v, want ErrNoSnapshot", err)
	}
}

func TestLoadNeedsEveryDataset(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cw := crosswalk.NewArtifact(crosswalk.Crosswalk{
		"78701": {ZipCode: "78701", JurisdictionName: "TRAVIS", JurisdictionFips: "48453"},
	}, time.Now())
	if err := repo.SaveSnapshot(ctx, Snapshot{Crosswalk: &cw}, "run-1"); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if _, err := repo.LoadSnapshot(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("LoadSnapshot err = %v, want ErrNoSnapshot for missing census", err)
	}
}

func TestSaveCrosswalkReplacesWholesale(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	generated := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c, s := censusArtifact(), spendingArtifact()

	first := crosswalk.NewArtifact(crosswalk.Crosswalk{
		"78701": {ZipCode: "78701", JurisdictionName: "TRAVIS", JurisdictionFips: "48453"},
		"75201": {ZipCode: "75201", JurisdictionName: "DALLAS", JurisdictionFips: "48113"},
	}, generated)
	if err := repo.SaveSnapshot(ctx, Snapshot{Crosswalk: &first, Census: &c, Spending: &s}, "run-1"); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	second := crosswalk.NewArtifact(crosswalk.Crosswalk{
		"78701": {ZipCode: "78701", JurisdictionName: "TRAVIS", JurisdictionFips: "48453"},
	}, generated.Add(time.Hour))
	if err := repo.SaveSnapshot(ctx, Snapshot{Crosswalk: &second}, "run-2"); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	snap, err := repo.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	got := snap.Crosswalk
	if got.TotalEntries != 1 {
		t.Fatalf("TotalEntries = %d, want 1", got.TotalEntries)
	}
	if _, ok := got.Crosswalk["75201"]; ok {
		t.Error("stale entry survived replacement")
	}
	if !got.GeneratedAt.Equal(generated.Add(time.Hour)) {
		t.Errorf("GeneratedAt = %v", got.GeneratedAt)
	}
	if snap.Census.StateMedianIncome != c.StateMedianIncome {
		t.Error("saving only the crosswalk should keep the stored census")
	}
}

func censusArtifact() census.Artifact {
	return census.Artifact{
		GeneratedAt:       time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		StateMedianIncome: 72284,
		StatePopulation:   29243342,
		Jurisdictions: map[string]census.Jurisdiction{
			"TRAVIS": {Fips: "48453", Name: "Travis", Population: 1290188, MedianHouseholdIncome: 85043},
		},
	}
}

func spendingArtifact() spending.Artifact {
	return spending.Artifact{
		FiscalYear:  "2023",
		GeneratedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Jurisdictions: map[string]spending.Aggregate{
			"TRAVIS": {
				Jurisdiction:  "TRAVIS",
				TotalSpending: 1500.5,
				ByCategory: map[core.Category]float64{
					core.Education: 1000.5,
					core.Health:    500,
				},
				ByAgency: map[string]spending.AgencyTotal{
					"701": {Name: "TEA", Amount: 1000.5, Category: core.Education},
					"529": {Name: "HHSC", Amount: 500, Category: core.Health},
				},
				ByExpenditureType: map[string]float64{"Grants": 1500.5},
			},
		},
	}
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cw := crosswalk.NewArtifact(crosswalk.Crosswalk{
		"78701": {ZipCode: "78701", JurisdictionName: "TRAVIS", JurisdictionFips: "48453"},
	}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c, s := censusArtifact(), spendingArtifact()
	if err := repo.SaveSnapshot(ctx, Snapshot{Crosswalk: &cw, Census: &c, Spending: &s}, "run-1"); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	snap, err := repo.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	gotCensus := snap.Census
	if gotCensus.StateMedianIncome != c.StateMedianIncome || gotCensus.StatePopulation != c.StatePopulation {
		t.Errorf("state row = %d/%d", gotCensus.StateMedianIncome, gotCensus.StatePopulation)
	}
	if gotCensus.Jurisdictions["TRAVIS"] != c.Jurisdictions["TRAVIS"] {
		t.Errorf("TRAVIS census = %+v", gotCensus.Jurisdictions["TRAVIS"])
	}

	got := snap.Spending
	if got.FiscalYear != "2023" || got.TotalJurisdictions != 1 {
		t.Errorf("FiscalYear/TotalJurisdictions = %q/%d", got.FiscalYear, got.TotalJurisdictions)
	}
	travis := got.Jurisdictions["TRAVIS"]
	if travis.TotalSpending != 1500.5 || travis.ByCategory[core.Education] != 1000.5 {
		t.Errorf("TRAVIS = %+v", travis)
	}
	if ag := travis.ByAgency["529"]; ag.Name != "HHSC" || ag.Category != core.Health || ag.Amount != 500 {
		t.Errorf("agency 529 = %+v", ag)
	}
	if travis.ByExpenditureType["Grants"] != 1500.5 {
		t.Errorf("expenditure types = %v", travis.ByExpenditureType)
	}
}

func TestFailedSaveKeepsPreviousSnapshot(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cw := crosswalk.NewArtifact(crosswalk.Crosswalk{
		"78701": {ZipCode: "78701", JurisdictionName: "TRAVIS", JurisdictionFips: "48453"},
	}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c, s := censusArtifact(), spendingArtifact()
	if err := repo.SaveSnapshot(ctx, Snapshot{Crosswalk: &cw, Census: &c, Spending: &s}, "run-1"); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	if _, err := repo.db.ExecContext(ctx, `DROP TABLE spending_expenditure_types`); err != nil {
		t.Fatal(err)
	}
	nextCW := crosswalk.NewArtifact(crosswalk.Crosswalk{
		"75201": {ZipCode: "75201", JurisdictionName: "DALLAS", JurisdictionFips: "48113"},
	}, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	nextCensus := censusArtifact()
	nextCensus.StateMedianIncome = 1
	if err := repo.SaveSnapshot(ctx, Snapshot{Crosswalk: &nextCW, Census: &nextCensus, Spending: &s}, "run-2"); err == nil {
		t.Fatal("expected save to fail once the spending tables are broken")
	}

	var zips, income int64
	if err := repo.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crosswalk WHERE zip_code = '78701'`).Scan(&zips); err != nil {
		t.Fatal(err)
	}
	if zips != 1 {
		t.Error("crosswalk changed by a failed save")
	}
	if err := repo.db.QueryRowContext(ctx, `SELECT median_income FROM census_state WHERE id = 1`).Scan(&income); err != nil {
		t.Fatal(err)
	}
	if income != c.StateMedianIncome {
		t.Errorf("census state income = %d after failed save, want %d", income, c.StateMedianIncome)
	}
}

func TestLoadRejectsUnknownCategory(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cw := crosswalk.NewArtifact(crosswalk.Crosswalk{}, time.Now())
	c, s := censusArtifact(), spendingArtifact()
	if err := repo.SaveSnapshot(ctx, Snapshot{Crosswalk: &cw, Census: &c, Spending: &s}, "run-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.db.ExecContext(ctx, `UPDATE spending_categories SET category = 'parks' WHERE category = ?`, string(core.Health)); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.LoadSnapshot(ctx); err == nil {
		t.Fatal("expected error for unknown stored category")
	}
}

func TestRefreshRuns(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	okID, err := repo.StartRun(ctx, DatasetSpending)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := repo.FinishRun(ctx, okID, 42, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	failID, err := repo.StartRun(ctx, DatasetCensus)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.FinishRun(ctx, failID, 0, errors.New("census api returned 503")); err != nil {
		t.Fatal(err)
	}

	if err := repo.FinishRun(ctx, "missing", 0, nil); err == nil {
		t.Error("expected error finishing unknown run")
	}

	runs, err := repo.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	byID := map[string]RefreshRun{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	if r := byID[okID]; r.Status != "succeeded" || r.Records != 42 || r.FinishedAt.IsZero() {
		t.Errorf("ok run = %+v", r)
	}
	if r := byID[failID]; r.Status != "failed" || r.Error != "census api returned 503" {
		t.Errorf("failed run = %+v", r)
	}
}

func TestMigrateSnapshotStoreIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "txtax.db")
	for i := 0; i < 2; i++ {
		version, err := migrateSnapshotStore(dbPath)
		if err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
		if version != 1 {
			t.Errorf("run %d: schema version = %d, want 1", i+1, version)
		}
	}
}
