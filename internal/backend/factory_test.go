package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"txtax/internal/artifact"
	"txtax/internal/census"
	"txtax/internal/config"
	"txtax/internal/core"
	"txtax/internal/crosswalk"
	"txtax/internal/spending"
	"txtax/internal/storage"
)

var generated = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func fixtures() (crosswalk.Artifact, census.Artifact, spending.Artifact) {
	cw := crosswalk.NewArtifact(crosswalk.Crosswalk{
		"78701": {ZipCode: "78701", JurisdictionName: "TRAVIS", JurisdictionFips: "48453"},
	}, generated)
	c := census.NewArtifact(census.Dataset{
		StateMedianIncome: 60000,
		StatePopulation:   1000,
		Jurisdictions: map[string]census.Jurisdiction{
			"TRAVIS": {Fips: "48453", Name: "Travis", Population: 1000, MedianHouseholdIncome: 60000},
		},
	}, generated)
	s := spending.NewArtifact(spending.Dataset{
		FiscalYear:  "2022",
		GeneratedAt: generated,
		Jurisdictions: map[string]spending.Aggregate{
			"TRAVIS": {
				Jurisdiction:  "TRAVIS",
				TotalSpending: 500000,
				ByCategory:    map[core.Category]float64{core.Education: 500000},
				ByAgency: map[string]spending.AgencyTotal{
					"701": {Name: "Texas Education Agency", Amount: 500000, Category: core.Education},
				},
				ByExpenditureType: map[string]float64{"Grants": 500000},
			},
		},
	})
	return cw, c, s
}

func TestFromAppConfig(t *testing.T) {
	if _, err := FromAppConfig(nil); err == nil {
		t.Error("nil config should fail")
	}
	if _, err := FromAppConfig(&config.Config{DataBackend: "memory"}); err == nil {
		t.Error("unknown backend should fail")
	}
	got, err := FromAppConfig(&config.Config{DataBackend: "json", DataDir: "/tmp/data"})
	if err != nil {
		t.Fatalf("FromAppConfig: %v", err)
	}
	if got.Type != JSONBackend || got.DataDir != "/tmp/data" {
		t.Errorf("unexpected config %+v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"json ok", Config{Type: JSONBackend, DataDir: "data"}, false},
		{"json without dir", Config{Type: JSONBackend}, true},
		{"sqlite ok", Config{Type: SQLiteBackend, SQLiteDBPath: "x.db"}, false},
		{"sqlite without path", Config{Type: SQLiteBackend}, true},
		{"invalid type", Config{Type: "sheets"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJSONBackendLoadsArtifacts(t *testing.T) {
	dir := t.TempDir()
	paths := artifact.Paths{Dir: dir}
	cw, c, s := fixtures()
	for path, v := range map[string]any{paths.Crosswalk(): cw, paths.Census(): c, paths.Spending(): s} {
		if err := artifact.WriteJSON(path, v); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
	}

	res, err := NewFactory(nil).CreateBackend(context.Background(), Config{Type: JSONBackend, DataDir: dir})
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	defer res.Close()
	if res.Repository != nil {
		t.Error("json backend should not open a repository")
	}

	ds, err := res.Loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := ds.Crosswalk.Lookup("78701"); !ok {
		t.Error("crosswalk entry missing")
	}
	if ds.StatewidePerCapita != 500 {
		t.Errorf("StatewidePerCapita = %v, want 500", ds.StatewidePerCapita)
	}
}

func TestJSONBackendMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	cw, _, _ := fixtures()
	if err := artifact.WriteJSON(artifact.Paths{Dir: dir}.Crosswalk(), cw); err != nil {
		t.Fatal(err)
	}

	_, err := LoadArtifacts(artifact.Paths{Dir: dir})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected missing census file, got %v", err)
	}
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "txtax.db")

	res, err := NewFactory(nil).CreateBackend(ctx, Config{Type: SQLiteBackend, SQLiteDBPath: dbPath})
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	defer res.Close()

	if _, err := res.Loader.Load(ctx); !errors.Is(err, storage.ErrNoSnapshot) {
		t.Fatalf("empty store err = %v, want ErrNoSnapshot", err)
	}

	cw, c, s := fixtures()
	snap := storage.Snapshot{Crosswalk: &cw, Census: &c, Spending: &s}
	if err := res.Repository.SaveSnapshot(ctx, snap, "run"); err != nil {
		t.Fatal(err)
	}

	ds, err := res.Loader.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if agg, ok := ds.Spending.Lookup("travis"); !ok || agg.TotalSpending != 500000 {
		t.Errorf("unexpected spending %+v", agg)
	}
}
