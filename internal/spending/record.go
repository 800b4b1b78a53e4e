package spending

import (
	"bytes"
	"encoding/json"
)

// Record is one expenditure row as published by the state open-data portal.
type Record struct {
	FiscalYear            string     `json:"fiscal_year"`
	AgencyNumber          string     `json:"agency_number"`
	AgencyName            string     `json:"agency_name"`
	County                string     `json:"county"`
	MajorSpendingCategory string     `json:"major_spending_category"`
	Amount                FlexString `json:"amount"`
}

// FlexString accepts either a JSON string or a bare JSON number. The portal serializes
// numeric columns as strings, but not every mirror does.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(b)
	return nil
}
