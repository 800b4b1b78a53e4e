// Package spending folds state expenditure records into per-county totals.
package spending

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"txtax/internal/category"
	"txtax/internal/core"
)

// DefaultFiscalYear is used when no record carries a fiscal year.
const DefaultFiscalYear = "2022"

const unspecifiedType = "Unspecified"

type (
	AgencyTotal struct {
		Name     string        `json:"name"`
		Amount   float64       `json:"amount"`
		Category core.Category `json:"category"`
	}

	// Aggregate is the spending attributed to one county.
	Aggregate struct {
		Jurisdiction      string                    `json:"jurisdiction"`
		TotalSpending     float64                   `json:"totalSpending"`
		ByCategory        map[core.Category]float64 `json:"byCategory"`
		ByAgency          map[string]AgencyTotal    `json:"byAgency"`
		ByExpenditureType map[string]float64        `json:"byExpenditureType"`
	}

	// Dataset is the spending side of a snapshot, keyed by upper-cased county name.
	Dataset struct {
		FiscalYear    string
		GeneratedAt   time.Time
		Jurisdictions map[string]Aggregate
	}

	Artifact struct {
		FiscalYear         string               `json:"fiscalYear"`
		GeneratedAt        time.Time            `json:"generatedAt"`
		TotalJurisdictions int                  `json:"totalJurisdictions"`
		Jurisdictions      map[string]Aggregate `json:"jurisdictions"`
	}

	// Stats counts what the fold kept and why it dropped the rest.
	Stats struct {
		Seen            int
		Kept            int
		DroppedCounty   int
		DroppedAmount   int
		UnknownAgencies int
	}
)

type agencyAcc struct {
	name     string
	category core.Category
	amount   decimal.Decimal
}

type countyAcc struct {
	total     decimal.Decimal
	byCat     map[core.Category]decimal.Decimal
	byAgency  map[string]*agencyAcc
	byExpType map[string]decimal.Decimal
}

func newCountyAcc() *countyAcc {
	acc := &countyAcc{
		byCat:     make(map[core.Category]decimal.Decimal, 5),
		byAgency:  make(map[string]*agencyAcc),
		byExpType: make(map[string]decimal.Decimal),
	}
	for _, c := range core.Categories() {
		acc.byCat[c] = decimal.Zero
	}
	return acc
}

// Aggregator is a streaming fold over expenditure records. It is not safe for
// concurrent use.
type Aggregator struct {
	fiscalYear string
	counties   map[string]*countyAcc
	unknown    map[string]struct{}
	stats      Stats
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		counties: make(map[string]*countyAcc),
		unknown:  make(map[string]struct{}),
	}
}

// ParseAmount parses a positive expenditure amount. Blank, unparseable and
// non-positive values report false.
func ParseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// Add folds one record and reports whether it was kept.
func (a *Aggregator) Add(r Record) bool {
	a.stats.Seen++
	if a.fiscalYear == "" && strings.TrimSpace(r.FiscalYear) != "" {
		a.fiscalYear = strings.TrimSpace(r.FiscalYear)
	}

	county := core.NormalizeName(r.County)
	if county == "" {
		a.stats.DroppedCounty++
		return false
	}
	amount, ok := ParseAmount(string(r.Amount))
	if !ok {
		a.stats.DroppedAmount++
		return false
	}

	acc, ok := a.counties[county]
	if !ok {
		acc = newCountyAcc()
		a.counties[county] = acc
	}

	agencyID := category.NormalizeAgencyID(r.AgencyNumber)
	cat := category.ForAgency(agencyID)
	if !category.IsKnown(agencyID) {
		if _, seen := a.unknown[agencyID]; !seen {
			a.unknown[agencyID] = struct{}{}
			a.stats.UnknownAgencies++
		}
	}

	acc.total = acc.total.Add(amount)
	acc.byCat[cat] = acc.byCat[cat].Add(amount)

	ag, ok := acc.byAgency[agencyID]
	if !ok {
		ag = &agencyAcc{name: strings.TrimSpace(r.AgencyName), category: cat}
		acc.byAgency[agencyID] = ag
	}
	ag.amount = ag.amount.Add(amount)

	expType := strings.TrimSpace(r.MajorSpendingCategory)
	if expType == "" {
		expType = unspecifiedType
	}
	acc.byExpType[expType] = acc.byExpType[expType].Add(amount)

	a.stats.Kept++
	return true
}

func (a *Aggregator) AddBatch(records []Record) {
	for _, r := range records {
		a.Add(r)
	}
}

func (a *Aggregator) Stats() Stats { return a.stats }

// Result materializes the accumulated totals. The aggregator can keep folding afterwards.
func (a *Aggregator) Result(generatedAt time.Time) Dataset {
	fy := a.fiscalYear
	if fy == "" {
		fy = DefaultFiscalYear
	}

	out := make(map[string]Aggregate, len(a.counties))
	for county, acc := range a.counties {
		agg := Aggregate{
			Jurisdiction:      county,
			TotalSpending:     acc.total.InexactFloat64(),
			ByCategory:        make(map[core.Category]float64, len(acc.byCat)),
			ByAgency:          make(map[string]AgencyTotal, len(acc.byAgency)),
			ByExpenditureType: make(map[string]float64, len(acc.byExpType)),
		}
		for c, v := range acc.byCat {
			agg.ByCategory[c] = v.InexactFloat64()
		}
		for id, ag := range acc.byAgency {
			agg.ByAgency[id] = AgencyTotal{Name: ag.name, Amount: ag.amount.InexactFloat64(), Category: ag.category}
		}
		for t, v := range acc.byExpType {
			agg.ByExpenditureType[t] = v.InexactFloat64()
		}
		out[county] = agg
	}

	return Dataset{
		FiscalYear:    fy,
		GeneratedAt:   generatedAt.UTC(),
		Jurisdictions: out,
	}
}

// Lookup finds a county aggregate by name, case-insensitively.
func (d Dataset) Lookup(name string) (Aggregate, bool) {
	agg, ok := d.Jurisdictions[core.NormalizeName(name)]
	return agg, ok
}

// TotalSpending sums every county total in name order, so repeated calls agree bit for bit.
func (d Dataset) TotalSpending() float64 {
	keys := make([]string, 0, len(d.Jurisdictions))
	for k := range d.Jurisdictions {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var total float64
	for _, k := range keys {
		total += d.Jurisdictions[k].TotalSpending
	}
	return total
}

// Top returns up to n counties ordered by total spending, largest first.
func (d Dataset) Top(n int) []Aggregate {
	all := make([]Aggregate, 0, len(d.Jurisdictions))
	for _, agg := range d.Jurisdictions {
		all = append(all, agg)
	}
	slices.SortFunc(all, func(a, b Aggregate) int {
		switch {
		case a.TotalSpending > b.TotalSpending:
			return -1
		case a.TotalSpending < b.TotalSpending:
			return 1
		}
		return strings.Compare(a.Jurisdiction, b.Jurisdiction)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func NewArtifact(d Dataset) Artifact {
	return Artifact{
		FiscalYear:         d.FiscalYear,
		GeneratedAt:        d.GeneratedAt,
		TotalJurisdictions: len(d.Jurisdictions),
		Jurisdictions:      d.Jurisdictions,
	}
}

func (a Artifact) Dataset() Dataset {
	j := a.Jurisdictions
	if j == nil {
		j = map[string]Aggregate{}
	}
	fy := a.FiscalYear
	if fy == "" {
		fy = DefaultFiscalYear
	}
	return Dataset{FiscalYear: fy, GeneratedAt: a.GeneratedAt, Jurisdictions: j}
}
