// Package sheets publishes the per-county spending summary as a table.
package sheets

import (
	"context"
	"math"

	"txtax/internal/census"
	"txtax/internal/core"
	"txtax/internal/spending"
)

// Ports for outbound adapters.
type (
	// TableExporter replaces the contents of one sheet with table, header row first.
	TableExporter interface {
		ExportTable(ctx context.Context, table [][]any) error
	}
)

// Header returns the column titles of the county table.
func Header() []any {
	h := []any{"County", "FIPS", "Population", "Total Spending", "Per Capita"}
	for _, c := range core.Categories() {
		h = append(h, c.Label())
	}
	return h
}

// CountyTable builds one row per county with spending, largest total first. Counties
// missing from the census get an empty FIPS and zero population and per-capita.
func CountyTable(c census.Dataset, s spending.Dataset) [][]any {
	aggs := s.Top(len(s.Jurisdictions))

	table := make([][]any, 0, len(aggs)+1)
	table = append(table, Header())
	for _, agg := range aggs {
		j, _ := c.Lookup(agg.Jurisdiction)
		perCapita := 0.0
		if j.Population > 0 {
			perCapita = math.Round(agg.TotalSpending/float64(j.Population)*100) / 100
		}
		name := j.Name
		if name == "" {
			name = core.DisplayName(agg.Jurisdiction)
		}
		row := []any{name, j.Fips, j.Population, math.Round(agg.TotalSpending*100) / 100, perCapita}
		for _, cat := range core.Categories() {
			row = append(row, math.Round(agg.ByCategory[cat]*100)/100)
		}
		table = append(table, row)
	}
	return table
}
