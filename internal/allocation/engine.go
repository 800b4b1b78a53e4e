package allocation

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"txtax/internal/census"
	"txtax/internal/core"
	"txtax/internal/spending"
	"txtax/internal/units"
)

// DefaultCapThreshold is the per-capita multiple of the statewide figure above which a
// county is assumed to be inflated by agencies headquartered there. It is a policy
// heuristic, not a derived value.
const DefaultCapThreshold = 2.0

type Options struct {
	// CapThreshold overrides DefaultCapThreshold when positive.
	CapThreshold float64
}

// Engine answers allocation queries against one Dataset. It holds no mutable state
// and is safe for concurrent use.
type Engine struct {
	ds           *Dataset
	capThreshold float64
}

func New(ds *Dataset, opts Options) *Engine {
	threshold := opts.CapThreshold
	if threshold <= 0 {
		threshold = DefaultCapThreshold
	}
	if ds == nil {
		ds = NewDataset(nil, census.Dataset{}, spending.Dataset{})
	}
	return &Engine{ds: ds, capThreshold: threshold}
}

// Dataset returns the snapshot the engine reads from.
func (e *Engine) Dataset() *Dataset { return e.ds }

func (e *Engine) CapThreshold() float64 { return e.capThreshold }

// GetAllocation computes the allocation for a ZIP code. Every lookup miss, including a
// county with zero population or no median income, yields an error wrapping
// core.ErrNotFound and an empty result; partial results are never returned.
func (e *Engine) GetAllocation(zip string) (core.ZipAllocationResult, error) {
	entry, ok := e.ds.Crosswalk.Lookup(zip)
	if !ok {
		return core.ZipAllocationResult{}, fmt.Errorf("%w: no county for zip %s", core.ErrNotFound, zip)
	}
	agg, ok := e.ds.Spending.Lookup(entry.JurisdictionName)
	if !ok {
		return core.ZipAllocationResult{}, fmt.Errorf("%w: no spending for county %s", core.ErrNotFound, entry.JurisdictionName)
	}
	cen, ok := e.ds.Census.Lookup(entry.JurisdictionName)
	if !ok {
		return core.ZipAllocationResult{}, fmt.Errorf("%w: no census population for county %s", core.ErrNotFound, entry.JurisdictionName)
	}
	if cen.MedianHouseholdIncome <= 0 {
		return core.ZipAllocationResult{}, fmt.Errorf("%w: no median income for county %s", core.ErrNotFound, entry.JurisdictionName)
	}

	population := float64(cen.Population)
	stateMedian := e.ds.Census.StateMedianIncome

	multiplier := 1.0
	if stateMedian > 0 {
		multiplier = float64(cen.MedianHouseholdIncome) / float64(stateMedian)
	}

	basePerCapita := agg.TotalSpending / population

	// capRatio stays 1 when no correction applies so the breakdown is unscaled.
	capRatio := 1.0
	corrected := false
	if statewide := e.ds.StatewidePerCapita; statewide > 0 {
		if ratio := basePerCapita / statewide; ratio > e.capThreshold {
			capRatio = ratio
			basePerCapita = statewide
			corrected = true
		}
	}

	finalPerCapita := math.Round(basePerCapita * multiplier)
	breakdown := buildBreakdown(agg, population, multiplier, capRatio)

	perCapita := make(map[core.Category]float64, len(breakdown))
	for _, b := range breakdown {
		perCapita[b.Category] = b.PerCapita
	}

	result := core.ZipAllocationResult{
		ZipCode:                   zip,
		JurisdictionName:          core.DisplayName(entry.JurisdictionName),
		JurisdictionFips:          entry.JurisdictionFips,
		FiscalYear:                e.ds.Spending.FiscalYear,
		Population:                cen.Population,
		MedianIncome:              cen.MedianHouseholdIncome,
		StateMedianIncome:         stateMedian,
		IncomeMultiplier:          round2(multiplier),
		EstimatedPerCapita:        finalPerCapita,
		StatewidePerCapita:        round2(e.ds.StatewidePerCapita),
		TotalJurisdictionSpending: agg.TotalSpending,
		HQCorrectionApplied:       corrected,
		Categories:                breakdown,
		IllustrativeUnits:         units.Generate(perCapita),
		Metadata: core.ResultMetadata{
			DataSource: core.DataSource,
			Disclaimer: core.Disclaimer,
		},
	}
	if !e.ds.Spending.GeneratedAt.IsZero() {
		result.Metadata.LastUpdated = e.ds.Spending.GeneratedAt.Format("2006-01-02")
	}
	return result, nil
}

// scale applies the income multiplier and, when the county was capped, the HQ correction.
func scale(rawPerCapita, multiplier, capRatio float64) float64 {
	return math.Round((rawPerCapita / capRatio) * multiplier)
}

func buildBreakdown(agg spending.Aggregate, population, multiplier, capRatio float64) []core.CategoryBreakdown {
	byCat := make(map[core.Category][]core.SubcategoryBreakdown)
	for id, ag := range agg.ByAgency {
		byCat[ag.Category] = append(byCat[ag.Category], core.SubcategoryBreakdown{
			AgencyID:  id,
			Name:      ag.Name,
			Amount:    ag.Amount,
			PerCapita: scale(ag.Amount/population, multiplier, capRatio),
		})
	}

	out := make([]core.CategoryBreakdown, 0, len(core.Categories()))
	var sum float64
	for _, c := range core.Categories() {
		total := agg.ByCategory[c]
		subs := byCat[c]
		slices.SortFunc(subs, func(a, b core.SubcategoryBreakdown) int {
			if a.Amount != b.Amount {
				return cmp.Compare(b.Amount, a.Amount)
			}
			return cmp.Compare(a.AgencyID, b.AgencyID)
		})
		for i := range subs {
			if total > 0 {
				subs[i].Percentage = round2(subs[i].Amount / total * 100)
			}
		}
		if subs == nil {
			subs = []core.SubcategoryBreakdown{}
		}

		pc := scale(total/population, multiplier, capRatio)
		sum += pc
		out = append(out, core.CategoryBreakdown{
			Category:      c,
			Label:         c.Label(),
			Color:         c.Color(),
			PerCapita:     pc,
			TotalAmount:   total,
			Subcategories: subs,
		})
	}

	if sum > 0 {
		for i := range out {
			out[i].Percentage = round2(out[i].PerCapita / sum * 100)
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
