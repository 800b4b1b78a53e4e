// Package allocation estimates a resident's per-person share of state spending for a ZIP code.
package allocation

import (
	"slices"

	"txtax/internal/census"
	"txtax/internal/crosswalk"
	"txtax/internal/spending"
)

// Dataset is one immutable snapshot of the three ingested datasets. It must not be
// modified once handed to an Engine; refreshes build a new Dataset instead.
type Dataset struct {
	Crosswalk crosswalk.Crosswalk
	Census    census.Dataset
	Spending  spending.Dataset

	// StatewidePerCapita is total state spending over total state population.
	StatewidePerCapita float64
}

// NewDataset assembles a snapshot and computes the statewide per-capita baseline.
func NewDataset(cw crosswalk.Crosswalk, c census.Dataset, s spending.Dataset) *Dataset {
	if cw == nil {
		cw = crosswalk.Crosswalk{}
	}
	return &Dataset{
		Crosswalk:          cw,
		Census:             c,
		Spending:           s,
		StatewidePerCapita: StatewidePerCapita(c, s),
	}
}

// StatewidePerCapita divides total spending by the state population. When the census
// carries no statewide population the county populations are summed instead.
// Returns 0 when no population is known.
func StatewidePerCapita(c census.Dataset, s spending.Dataset) float64 {
	population := float64(c.StatePopulation)
	if population <= 0 {
		keys := make([]string, 0, len(c.Jurisdictions))
		for k := range c.Jurisdictions {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			population += float64(c.Jurisdictions[k].Population)
		}
	}
	if population <= 0 {
		return 0
	}
	return s.TotalSpending() / population
}
