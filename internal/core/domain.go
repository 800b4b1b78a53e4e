package core

import "errors"

// Category is one of the fixed spending buckets every agency is classified into.
type Category string

const (
	Education     Category = "education"
	Health        Category = "health"
	Transport     Category = "transportation"
	PublicSafety  Category = "public_safety"
	OtherCategory Category = "other"
)

// Categories lists every category in presentation order.
func Categories() []Category {
	return []Category{Education, Health, Transport, PublicSafety, OtherCategory}
}

var categoryLabels = map[Category]string{
	Education:     "Education",
	Health:        "Health & Human Services",
	Transport:     "Transportation",
	PublicSafety:  "Public Safety",
	OtherCategory: "Other",
}

var categoryColors = map[Category]string{
	Education:     "#003f87",
	Health:        "#2d6a4f",
	Transport:     "#bf5700",
	PublicSafety:  "#d00000",
	OtherCategory: "#8d99ae",
}

func (c Category) IsValid() bool {
	_, ok := categoryLabels[c]
	return ok
}

// Label is the human readable category name.
func (c Category) Label() string {
	if l, ok := categoryLabels[c]; ok {
		return l
	}
	return categoryLabels[OtherCategory]
}

// Color is the chart color used by the presentation layer.
func (c Category) Color() string {
	if col, ok := categoryColors[c]; ok {
		return col
	}
	return categoryColors[OtherCategory]
}

func (c Category) String() string { return string(c) }

type (
	// ZipAllocationResult is the per-ZIP allocation returned to callers.
	ZipAllocationResult struct {
		ZipCode                   string              `json:"zipCode"`
		JurisdictionName          string              `json:"jurisdictionName"`
		JurisdictionFips          string              `json:"jurisdictionFips"`
		FiscalYear                string              `json:"fiscalYear"`
		Population                int64               `json:"population"`
		MedianIncome              int64               `json:"medianIncome"`
		StateMedianIncome         int64               `json:"stateMedianIncome"`
		IncomeMultiplier          float64             `json:"incomeMultiplier"`
		EstimatedPerCapita        float64             `json:"estimatedPerCapita"`
		StatewidePerCapita        float64             `json:"statewidePerCapita"`
		TotalJurisdictionSpending float64             `json:"totalJurisdictionSpending"`
		HQCorrectionApplied       bool                `json:"hqCorrectionApplied"`
		Categories                []CategoryBreakdown `json:"categories"`
		IllustrativeUnits         []IllustrativeUnit  `json:"illustrativeUnits"`
		Metadata                  ResultMetadata      `json:"metadata"`
	}

	CategoryBreakdown struct {
		Category      Category               `json:"category"`
		Label         string                 `json:"label"`
		Color         string                 `json:"color"`
		PerCapita     float64                `json:"perCapita"`
		Percentage    float64                `json:"percentage"`
		TotalAmount   float64                `json:"totalAmount"`
		Subcategories []SubcategoryBreakdown `json:"subcategories"`
	}

	// SubcategoryBreakdown is one agency inside a category. Percentage is the agency's
	// share of its category total.
	SubcategoryBreakdown struct {
		AgencyID   string  `json:"agencyId"`
		Name       string  `json:"name"`
		Amount     float64 `json:"amount"`
		PerCapita  float64 `json:"perCapita"`
		Percentage float64 `json:"percentage"`
	}

	IllustrativeUnit struct {
		ID             string   `json:"id"`
		Description    string   `json:"description"`
		SourceCategory Category `json:"sourceCategory"`
		Value          float64  `json:"value"`
		FormattedValue string   `json:"formattedValue"`
		UnitLabel      string   `json:"unitLabel"`
		DollarAmount   float64  `json:"dollarAmount"`
		Emoji          string   `json:"emoji"`
		Calculation    string   `json:"calculation"`
	}

	ResultMetadata struct {
		DataSource  string `json:"dataSource"`
		LastUpdated string `json:"lastUpdated"`
		Disclaimer  string `json:"disclaimer"`
	}
)

const (
	DataSource = "Texas Comptroller of Public Accounts, U.S. Census Bureau ACS 5-Year"
	Disclaimer = "This is an estimate based on county-level averages and median household income. " +
		"Actual tax burden varies by individual income, spending habits, and property ownership."
)

var (
	// ErrInvalidInput marks a malformed ZIP code.
	ErrInvalidInput = errors.New("invalid input")
	// ErrOutOfRegion marks a well-formed ZIP outside the covered state.
	ErrOutOfRegion = errors.New("zip code outside supported region")
	// ErrNotFound marks a missing crosswalk, census or spending record.
	ErrNotFound = errors.New("not found")
	// ErrUpstreamUnavailable marks an ingestion source that could not be read.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrNotReady is returned while no dataset snapshot has been loaded.
	ErrNotReady = errors.New("dataset not loaded")
)
