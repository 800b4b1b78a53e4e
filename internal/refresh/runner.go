// Package refresh rebuilds the dataset artifacts from upstream sources.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"txtax/internal/amqp"
	"txtax/internal/artifact"
	"txtax/internal/census"
	"txtax/internal/core"
	"txtax/internal/crosswalk"
	"txtax/internal/log"
	"txtax/internal/sheets"
	"txtax/internal/spending"
	"txtax/internal/storage"
)

// DatasetAll names a combined run in the run history.
const DatasetAll = "all"

// resumeAttempts bounds how often a spending fetch resumes from its last good offset.
const resumeAttempts = 2

type (
	CensusSource interface {
		FetchCounties(ctx context.Context) ([][]string, error)
		FetchState(ctx context.Context) ([][]string, error)
	}

	RelationshipSource interface {
		FetchRows(ctx context.Context) ([]crosswalk.Row, error)
	}

	Publisher interface {
		PublishDatasetRefreshed(ctx context.Context, msg *amqp.DatasetRefreshedMessage) error
	}
)

// Deps wires a Runner. Repository, Publisher and Exporter are optional.
type Deps struct {
	Census       CensusSource
	Relationship RelationshipSource
	Spending     spending.RecordSource
	Paths        artifact.Paths
	PageSize     int

	Repository *storage.SQLiteRepository
	Publisher  Publisher
	Exporter   sheets.TableExporter
	Logger     *log.Logger
}

type Runner struct {
	deps   Deps
	logger *log.Logger
	events *log.StructuredLogger
	now    func() time.Time
}

// Result holds whatever artifacts a run produced.
type Result struct {
	RunID     string
	Census    *census.Artifact
	Crosswalk *crosswalk.Artifact
	Spending  *spending.Artifact
}

func (r *Result) datasets() []string {
	var out []string
	if r.Crosswalk != nil {
		out = append(out, storage.DatasetCrosswalk)
	}
	if r.Census != nil {
		out = append(out, storage.DatasetCensus)
	}
	if r.Spending != nil {
		out = append(out, storage.DatasetSpending)
	}
	return out
}

func (r *Result) records() int {
	n := 0
	if r.Crosswalk != nil {
		n += r.Crosswalk.TotalEntries
	}
	if r.Census != nil {
		n += len(r.Census.Jurisdictions)
	}
	if r.Spending != nil {
		n += r.Spending.TotalJurisdictions
	}
	return n
}

func New(deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentRefresh)
	return &Runner{
		deps:   deps,
		logger: logger,
		events: log.NewStructuredLogger(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Census refreshes the population and income artifact.
func (r *Runner) Census(ctx context.Context) (*Result, error) {
	return r.run(ctx, storage.DatasetCensus, func(ctx context.Context, res *Result) error {
		ds, err := r.fetchCensus(ctx)
		if err != nil {
			return err
		}
		a := census.NewArtifact(ds, r.now())
		res.Census = &a
		return nil
	})
}

// Crosswalk rebuilds the ZIP-to-county artifact, labelling counties from the census
// artifact already on disk.
func (r *Runner) Crosswalk(ctx context.Context) (*Result, error) {
	return r.run(ctx, storage.DatasetCrosswalk, func(ctx context.Context, res *Result) error {
		var names map[string]string
		var ca census.Artifact
		if err := artifact.ReadJSON(r.deps.Paths.Census(), &ca); err != nil {
			r.logger.WarnContext(ctx, "Census artifact unavailable, using synthetic county labels", "error", err)
		} else {
			names = ca.Dataset().NamesByFips()
		}

		cw, err := r.buildCrosswalk(ctx, names)
		if err != nil {
			return err
		}
		a := crosswalk.NewArtifact(cw, r.now())
		res.Crosswalk = &a
		return nil
	})
}

// Spending refreshes the per-county expenditure artifact.
func (r *Runner) Spending(ctx context.Context) (*Result, error) {
	return r.run(ctx, storage.DatasetSpending, func(ctx context.Context, res *Result) error {
		ds, err := r.fetchSpending(ctx)
		if err != nil {
			return err
		}
		a := spending.NewArtifact(ds)
		res.Spending = &a
		return nil
	})
}

// All fetches census and spending concurrently, then builds the crosswalk with the fresh
// county names. Nothing is persisted unless all three succeed.
func (r *Runner) All(ctx context.Context) (*Result, error) {
	return r.run(ctx, DatasetAll, func(ctx context.Context, res *Result) error {
		var (
			cds census.Dataset
			sds spending.Dataset
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			cds, err = r.fetchCensus(gctx)
			return err
		})
		g.Go(func() error {
			var err error
			sds, err = r.fetchSpending(gctx)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		cw, err := r.buildCrosswalk(ctx, cds.NamesByFips())
		if err != nil {
			return err
		}

		generated := r.now()
		ca := census.NewArtifact(cds, generated)
		cwa := crosswalk.NewArtifact(cw, generated)
		sa := spending.NewArtifact(sds)
		res.Census, res.Crosswalk, res.Spending = &ca, &cwa, &sa
		return nil
	})
}

// run records the attempt, persists what fetch produced and triggers side effects.
func (r *Runner) run(ctx context.Context, dataset string, fetch func(context.Context, *Result) error) (*Result, error) {
	res := &Result{}
	if r.deps.Repository != nil {
		id, err := r.deps.Repository.StartRun(ctx, dataset)
		if err != nil {
			return nil, err
		}
		res.RunID = id
	} else {
		res.RunID = uuid.NewString()
	}

	err := fetch(ctx, res)
	if err == nil {
		err = r.persist(ctx, res)
	}

	if r.deps.Repository != nil {
		// record the outcome even when ctx was cancelled mid-run
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if ferr := r.deps.Repository.FinishRun(finishCtx, res.RunID, res.records(), err); ferr != nil {
			r.logger.ErrorContext(ctx, "Failed to record refresh run", "run_id", res.RunID, "error", ferr)
		}
		cancel()
	}

	r.events.LogIngestion(ctx, dataset, res.RunID, res.records(), err)
	if err != nil {
		return nil, err
	}

	r.notify(ctx, res)
	r.export(ctx, res)
	return res, nil
}

// persist writes every produced artifact or none of them, then mirrors the same set
// into the snapshot store in one transaction.
func (r *Runner) persist(ctx context.Context, res *Result) error {
	paths := r.deps.Paths
	var files []artifact.File
	if res.Crosswalk != nil {
		files = append(files, artifact.File{Path: paths.Crosswalk(), Value: res.Crosswalk})
	}
	if res.Census != nil {
		files = append(files, artifact.File{Path: paths.Census(), Value: res.Census})
	}
	if res.Spending != nil {
		files = append(files, artifact.File{Path: paths.Spending(), Value: res.Spending})
	}
	if err := artifact.WriteAll(files...); err != nil {
		return err
	}

	if r.deps.Repository == nil {
		return nil
	}
	return r.deps.Repository.SaveSnapshot(ctx, storage.Snapshot{
		Crosswalk: res.Crosswalk,
		Census:    res.Census,
		Spending:  res.Spending,
	}, res.RunID)
}

func (r *Runner) notify(ctx context.Context, res *Result) {
	if r.deps.Publisher == nil {
		return
	}
	msg := amqp.NewDatasetRefreshedMessage(res.RunID, res.datasets(), r.now())
	if err := r.deps.Publisher.PublishDatasetRefreshed(ctx, msg); err != nil {
		r.events.LogError(ctx, "Failed to publish refresh notification", err, log.OpPublish,
			log.NewFields().WithDataset(strings.Join(res.datasets(), ","), res.RunID, res.records()))
	}
}

// export publishes the county table after a spending refresh.
func (r *Runner) export(ctx context.Context, res *Result) {
	if r.deps.Exporter == nil || res.Spending == nil {
		return
	}
	var cds census.Dataset
	if res.Census != nil {
		cds = res.Census.Dataset()
	} else {
		var ca census.Artifact
		if err := artifact.ReadJSON(r.deps.Paths.Census(), &ca); err != nil {
			r.logger.WarnContext(ctx, "Exporting without census data", "error", err)
		}
		cds = ca.Dataset()
	}

	table := sheets.CountyTable(cds, res.Spending.Dataset())
	if err := r.deps.Exporter.ExportTable(ctx, table); err != nil {
		r.events.LogError(ctx, "Failed to export county table", err, log.OpExport, nil)
	}
}

func (r *Runner) fetchCensus(ctx context.Context) (census.Dataset, error) {
	var countyRows, stateRows [][]string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		countyRows, err = r.deps.Census.FetchCounties(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		stateRows, err = r.deps.Census.FetchState(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return census.Dataset{}, err
	}

	jurisdictions, err := census.ShapeCounties(countyRows)
	if err != nil {
		return census.Dataset{}, err
	}
	income, population, err := census.ShapeState(stateRows)
	if err != nil {
		return census.Dataset{}, err
	}

	ds := census.Dataset{
		StateMedianIncome: income,
		StatePopulation:   population,
		Jurisdictions:     jurisdictions,
	}

	r.logger.InfoContext(ctx, "Census data shaped",
		"counties", len(jurisdictions),
		"state_median_income", income,
		"state_population", population)
	for i, j := range ds.MostPopulous(5) {
		r.logger.InfoContext(ctx, "Most populous county", "rank", i+1, "county", j.Name, "population", j.Population)
	}
	return ds, nil
}

func (r *Runner) buildCrosswalk(ctx context.Context, names map[string]string) (crosswalk.Crosswalk, error) {
	rows, err := r.deps.Relationship.FetchRows(ctx)
	if err != nil {
		return nil, err
	}
	cw, err := crosswalk.Build(rows, names)
	if err != nil {
		return nil, err
	}

	zips := make([]string, 0, len(cw))
	for z := range cw {
		zips = append(zips, z)
	}
	slices.Sort(zips)
	r.logger.InfoContext(ctx, "Crosswalk built", "rows", len(rows), "zip_codes", len(cw))
	for _, z := range zips[:min(5, len(zips))] {
		e := cw[z]
		r.logger.DebugContext(ctx, "Sample mapping", "zip_code", z, "county", e.JurisdictionName, "fips", e.JurisdictionFips)
	}
	return cw, nil
}

func (r *Runner) fetchSpending(ctx context.Context) (spending.Dataset, error) {
	agg := spending.NewAggregator()
	pager := spending.NewPager(r.deps.Spending, r.deps.PageSize, 0)

	for attempt := 0; ; attempt++ {
		err := agg.Run(ctx, pager)
		if err == nil {
			break
		}
		if attempt >= resumeAttempts || ctx.Err() != nil || !errors.Is(err, core.ErrUpstreamUnavailable) {
			return spending.Dataset{}, err
		}
		r.logger.WarnContext(ctx, "Spending fetch interrupted, resuming", "offset", pager.Offset(), "error", err)
	}

	stats := agg.Stats()
	ds := agg.Result(r.now())
	if len(ds.Jurisdictions) == 0 {
		return spending.Dataset{}, fmt.Errorf("%w: no spending records kept out of %d", core.ErrUpstreamUnavailable, stats.Seen)
	}

	r.logger.InfoContext(ctx, "Spending aggregated",
		"records", stats.Seen,
		"kept", stats.Kept,
		"dropped_county", stats.DroppedCounty,
		"dropped_amount", stats.DroppedAmount,
		"unknown_agencies", stats.UnknownAgencies,
		"counties", len(ds.Jurisdictions),
		"total_spending", ds.TotalSpending())
	for i, a := range ds.Top(5) {
		r.logger.InfoContext(ctx, "Top spending county", "rank", i+1, "county", a.Jurisdiction, "total", a.TotalSpending)
	}
	return ds, nil
}
