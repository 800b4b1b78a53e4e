// Package units converts per-capita category dollars into everyday quantities
// ("3.2 days of a teacher's salary").
package units

import (
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"txtax/internal/core"
)

// MaxUnits caps how many illustrative units a result carries.
const MaxUnits = 6

// Template converts one category's per-capita dollars into a unit count.
type Template struct {
	ID          string
	Emoji       string
	Category    core.Category
	Description string // "{value}" is replaced by the formatted count
	Unit        string
	SourceNote  string
	Convert     func(dollars float64) float64
}

// Templates is the conversion table, in selection order.
var Templates = []Template{
	{
		ID: "teacher_days", Emoji: "\U0001F469\u200d\U0001F3EB", Category: core.Education,
		Description: "{value} days of a teacher's salary", Unit: "days",
		SourceNote: "Based on avg TX teacher salary of $57,641/year",
		Convert:    func(d float64) float64 { return d / 57641 * 365 },
	},
	{
		ID: "highway_feet", Emoji: "\U0001F6E3\ufe0f", Category: core.Transport,
		Description: "{value} feet of highway paved", Unit: "feet",
		SourceNote: "Based on avg highway cost of ~$150/linear foot",
		Convert:    func(d float64) float64 { return d / 150 },
	},
	{
		ID: "prison_meals", Emoji: "\U0001F37D\ufe0f", Category: core.PublicSafety,
		Description: "{value} prison meals served", Unit: "meals",
		SourceNote: "Based on avg cost of $3.50/meal in TX prisons",
		Convert:    func(d float64) float64 { return d / 3.5 },
	},
	{
		ID: "ut_seconds", Emoji: "\U0001F920", Category: core.Education,
		Description: "{value} seconds of UT Austin operations", Unit: "seconds",
		SourceNote: "Based on UT Austin annual budget of ~$3.1B",
		Convert:    func(d float64) float64 { return d / 3_100_000_000 * 365.25 * 24 * 3600 },
	},
	{
		ID: "vaccines", Emoji: "\U0001FA78", Category: core.Health,
		Description: "{value} vaccine doses administered", Unit: "doses",
		SourceNote: "Based on avg vaccine cost of ~$71/dose",
		Convert:    func(d float64) float64 { return d / 71 },
	},
	{
		ID: "potholes", Emoji: "\U0001F573\ufe0f", Category: core.Transport,
		Description: "{value} potholes fixed", Unit: "potholes",
		SourceNote: "Based on avg pothole repair cost of ~$50",
		Convert:    func(d float64) float64 { return d / 50 },
	},
	{
		ID: "textbooks", Emoji: "\U0001F4DA", Category: core.Education,
		Description: "{value} student textbooks purchased", Unit: "textbooks",
		SourceNote: "Based on avg textbook cost of ~$80",
		Convert:    func(d float64) float64 { return d / 80 },
	},
	{
		ID: "trooper_vehicle", Emoji: "\U0001F693", Category: core.PublicSafety,
		Description: "1/{value}th of a state trooper vehicle", Unit: "fraction",
		SourceNote: "Based on avg patrol vehicle cost of ~$62,000",
		Convert:    func(d float64) float64 { return math.Round(62000 / d) },
	},
	{
		ID: "mental_health_mins", Emoji: "\U0001F9E0", Category: core.Health,
		Description: "{value} minutes of mental health counseling", Unit: "minutes",
		SourceNote: "Based on avg state-funded counseling rate of ~$150/hr",
		Convert:    func(d float64) float64 { return d * 0.15 / 2.5 },
	},
	{
		ID: "library_books", Emoji: "\U0001F4D6", Category: core.OtherCategory,
		Description: "{value} library books for state archives", Unit: "books",
		SourceNote: "Based on avg library book cost of ~$25",
		Convert:    func(d float64) float64 { return d / 25 },
	},
}

// FormatValue renders a unit count with magnitude-dependent precision:
// whole number with thousands separators from 100 up, one decimal from 1,
// two decimals from 0.01, three below that.
func FormatValue(v float64) string {
	switch {
	case v >= 100:
		return humanize.Comma(int64(math.Round(v)))
	case v >= 1:
		return strconv.FormatFloat(v, 'f', 1, 64)
	case v >= 0.01:
		return strconv.FormatFloat(v, 'f', 2, 64)
	default:
		return strconv.FormatFloat(v, 'f', 3, 64)
	}
}

// Generate evaluates the template table against per-category dollars and picks a
// diverse selection: one unit per represented category first, then leftovers in table
// order, never more than MaxUnits.
func Generate(perCapita map[core.Category]float64) []core.IllustrativeUnit {
	return generate(Templates, perCapita)
}

func generate(templates []Template, perCapita map[core.Category]float64) []core.IllustrativeUnit {
	candidates := make([]core.IllustrativeUnit, 0, len(templates))
	for _, t := range templates {
		dollars := perCapita[t.Category]
		if dollars <= 0 || math.IsNaN(dollars) || math.IsInf(dollars, 0) {
			continue
		}
		value := t.Convert(dollars)
		if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		formatted := FormatValue(value)
		candidates = append(candidates, core.IllustrativeUnit{
			ID:             t.ID,
			Description:    strings.Replace(t.Description, "{value}", formatted, 1),
			SourceCategory: t.Category,
			Value:          value,
			FormattedValue: formatted,
			UnitLabel:      t.Unit,
			DollarAmount:   dollars,
			Emoji:          t.Emoji,
			Calculation:    t.SourceNote,
		})
	}

	selected := make([]core.IllustrativeUnit, 0, MaxUnits)
	taken := make([]bool, len(candidates))
	seen := make(map[core.Category]bool)
	for i, c := range candidates {
		if len(selected) == MaxUnits {
			break
		}
		if !seen[c.SourceCategory] {
			seen[c.SourceCategory] = true
			taken[i] = true
			selected = append(selected, c)
		}
	}
	for i, c := range candidates {
		if len(selected) == MaxUnits {
			break
		}
		if !taken[i] {
			selected = append(selected, c)
		}
	}
	return selected
}
