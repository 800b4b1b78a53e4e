// Package census shapes ACS population and income rows into a per-county lookup.
package census

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"txtax/internal/core"
)

// ACS variable names requested from the Census API.
const (
	VarName       = "NAME"
	VarPopulation = "B01003_001E"
	VarIncome     = "B19013_001E"
	VarState      = "state"
	VarCounty     = "county"
)

type (
	Jurisdiction struct {
		Fips                  string `json:"fips"`
		Name                  string `json:"name"`
		Population            int64  `json:"population"`
		MedianHouseholdIncome int64  `json:"medianHouseholdIncome"`
	}

	// Dataset is the census side of a snapshot. Jurisdictions are keyed by upper-cased name.
	Dataset struct {
		StateMedianIncome int64
		StatePopulation   int64
		Jurisdictions     map[string]Jurisdiction
	}

	Artifact struct {
		GeneratedAt       time.Time               `json:"generatedAt"`
		StateMedianIncome int64                   `json:"stateMedianIncome"`
		StatePopulation   int64                   `json:"statePopulation"`
		Jurisdictions     map[string]Jurisdiction `json:"jurisdictions"`
	}
)

var jurisdictionSuffixes = []string{" County", " Parish", " Borough", " Census Area", " Municipality"}

// StripSuffix turns "Travis County, Texas" into "Travis".
func StripSuffix(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, ","); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	for _, s := range jurisdictionSuffixes {
		if strings.HasSuffix(name, s) {
			return strings.TrimSpace(strings.TrimSuffix(name, s))
		}
	}
	return name
}

// parseCount treats non-numeric values and the negative ACS sentinels as zero.
func parseCount(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func headerIndex(header []string, cols ...string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, c := range cols {
		if _, ok := idx[c]; !ok {
			return nil, fmt.Errorf("census response missing column %s", c)
		}
	}
	return idx, nil
}

// ShapeCounties converts the ACS county response (header row first) into jurisdictions
// keyed by upper-cased name.
func ShapeCounties(rows [][]string) (map[string]Jurisdiction, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: census county response is empty", core.ErrUpstreamUnavailable)
	}
	idx, err := headerIndex(rows[0], VarName, VarPopulation, VarIncome, VarState, VarCounty)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Jurisdiction, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) < len(rows[0]) {
			continue
		}
		name := StripSuffix(row[idx[VarName]])
		if name == "" {
			continue
		}
		out[core.NormalizeName(name)] = Jurisdiction{
			Fips:                  strings.TrimSpace(row[idx[VarState]]) + strings.TrimSpace(row[idx[VarCounty]]),
			Name:                  name,
			Population:            parseCount(row[idx[VarPopulation]]),
			MedianHouseholdIncome: parseCount(row[idx[VarIncome]]),
		}
	}
	return out, nil
}

// ShapeState reads the statewide median income and population from the ACS state response.
func ShapeState(rows [][]string) (medianIncome, population int64, err error) {
	if len(rows) < 2 {
		return 0, 0, fmt.Errorf("%w: census state response has no data row", core.ErrUpstreamUnavailable)
	}
	idx, err := headerIndex(rows[0], VarIncome, VarPopulation)
	if err != nil {
		return 0, 0, err
	}
	row := rows[1]
	if len(row) < len(rows[0]) {
		return 0, 0, fmt.Errorf("census state row is short: %v", row)
	}
	return parseCount(row[idx[VarIncome]]), parseCount(row[idx[VarPopulation]]), nil
}

// Lookup finds a jurisdiction by name, case-insensitively. Zero population means no data.
func (d Dataset) Lookup(name string) (Jurisdiction, bool) {
	j, ok := d.Jurisdictions[core.NormalizeName(name)]
	if !ok || j.Population <= 0 {
		return Jurisdiction{}, false
	}
	return j, true
}

// NamesByFips maps each jurisdiction id to its upper-cased lookup key, the form the
// crosswalk stores.
func (d Dataset) NamesByFips() map[string]string {
	out := make(map[string]string, len(d.Jurisdictions))
	for key, j := range d.Jurisdictions {
		if j.Fips != "" {
			out[j.Fips] = key
		}
	}
	return out
}

// MostPopulous returns up to n jurisdictions ordered by population, largest first.
func (d Dataset) MostPopulous(n int) []Jurisdiction {
	all := make([]Jurisdiction, 0, len(d.Jurisdictions))
	for _, j := range d.Jurisdictions {
		all = append(all, j)
	}
	slices.SortFunc(all, func(a, b Jurisdiction) int {
		if a.Population != b.Population {
			if a.Population > b.Population {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func NewArtifact(d Dataset, generatedAt time.Time) Artifact {
	return Artifact{
		GeneratedAt:       generatedAt.UTC(),
		StateMedianIncome: d.StateMedianIncome,
		StatePopulation:   d.StatePopulation,
		Jurisdictions:     d.Jurisdictions,
	}
}

func (a Artifact) Dataset() Dataset {
	j := a.Jurisdictions
	if j == nil {
		j = map[string]Jurisdiction{}
	}
	return Dataset{
		StateMedianIncome: a.StateMedianIncome,
		StatePopulation:   a.StatePopulation,
		Jurisdictions:     j,
	}
}
