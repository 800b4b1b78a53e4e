// Package crosswalk assigns every ZIP code tabulation area to the single county
// it overlaps most by land area.
package crosswalk

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"txtax/internal/core"
)

// Relationship file column names.
const (
	ColZone          = "GEOID_ZCTA5_20"
	ColJurisdiction  = "GEOID_COUNTY_20"
	ColOverlapArea   = "AREALAND_PART"
	ColTotalZoneArea = "AREALAND_ZCTA5_20"
)

// ErrEmptyFeed is returned when the relationship feed yields no rows for the state.
var ErrEmptyFeed = errors.New("relationship feed has no rows for state")

type (
	// Row is one zone/jurisdiction overlap from the relationship file.
	Row struct {
		ZoneID          string
		JurisdictionID  string
		LandAreaOverlap float64
		TotalLandArea   float64
	}

	Entry struct {
		ZipCode          string `json:"zipCode"`
		JurisdictionName string `json:"jurisdictionName"`
		JurisdictionFips string `json:"jurisdictionFips"`
	}

	// Crosswalk maps a ZIP code to its primary county.
	Crosswalk map[string]Entry

	Artifact struct {
		GeneratedAt  time.Time        `json:"generatedAt"`
		TotalEntries int              `json:"totalEntries"`
		Crosswalk    map[string]Entry `json:"crosswalk"`
	}
)

// Ratio is the share of the zone's land that lies inside the jurisdiction.
// A missing or zero total is treated as 1.
func (r Row) Ratio() float64 {
	total := r.TotalLandArea
	if total <= 0 {
		total = 1
	}
	return r.LandAreaOverlap / total
}

// ParseRelationshipFile reads the pipe-delimited ZCTA-to-county file and keeps rows whose
// jurisdiction id starts with statePrefix. Non-numeric areas parse as zero.
func ParseRelationshipFile(r io.Reader, statePrefix string) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.Comma = '|'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty relationship file", ErrEmptyFeed)
		}
		return nil, fmt.Errorf("read relationship header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}
	for _, col := range []string{ColZone, ColJurisdiction, ColOverlapArea, ColTotalZoneArea} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("relationship file missing column %s", col)
		}
	}

	field := func(rec []string, col string) string {
		i := idx[col]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []Row
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read relationship row: %w", err)
		}

		zone := field(rec, ColZone)
		jurisdiction := field(rec, ColJurisdiction)
		if zone == "" || jurisdiction == "" || !strings.HasPrefix(jurisdiction, statePrefix) {
			continue
		}

		rows = append(rows, Row{
			ZoneID:          zone,
			JurisdictionID:  jurisdiction,
			LandAreaOverlap: parseArea(field(rec, ColOverlapArea)),
			TotalLandArea:   parseArea(field(rec, ColTotalZoneArea)),
		})
	}
	return rows, nil
}

func parseArea(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// Build picks, for each zone, the jurisdiction with the largest overlap ratio. Exact ties
// keep the row encountered first. names maps jurisdiction ids to display names; ids
// without a name get the label "ID <id>".
func Build(rows []Row, names map[string]string) (Crosswalk, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrUpstreamUnavailable, ErrEmptyFeed)
	}

	type best struct {
		jurisdiction string
		ratio        float64
	}
	primary := make(map[string]best)
	for _, r := range rows {
		ratio := r.Ratio()
		cur, seen := primary[r.ZoneID]
		if !seen || ratio > cur.ratio {
			primary[r.ZoneID] = best{jurisdiction: r.JurisdictionID, ratio: ratio}
		}
	}

	cw := make(Crosswalk, len(primary))
	for zone, b := range primary {
		name, ok := names[b.jurisdiction]
		if !ok || name == "" {
			name = "ID " + b.jurisdiction
		}
		cw[zone] = Entry{
			ZipCode:          zone,
			JurisdictionName: name,
			JurisdictionFips: b.jurisdiction,
		}
	}
	return cw, nil
}

// Lookup returns the crosswalk entry for zip.
func (c Crosswalk) Lookup(zip string) (Entry, bool) {
	e, ok := c[zip]
	return e, ok
}

// NewArtifact wraps a crosswalk for persistence.
func NewArtifact(cw Crosswalk, generatedAt time.Time) Artifact {
	return Artifact{
		GeneratedAt:  generatedAt.UTC(),
		TotalEntries: len(cw),
		Crosswalk:    cw,
	}
}

// Mappings returns the artifact contents as a Crosswalk, never nil.
func (a Artifact) Mappings() Crosswalk {
	if a.Crosswalk == nil {
		return Crosswalk{}
	}
	return Crosswalk(a.Crosswalk)
}
