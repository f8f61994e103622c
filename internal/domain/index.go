package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// IndexValue is the published monthly variation of an economic index, in
// percent (0.45 means 0.45%).
type IndexValue struct {
	Code       IndexCode       `json:"code"`
	Year       int             `json:"year"`
	Month      int             `json:"month"`
	Percent    decimal.Decimal `json:"percent"`
	Source     string          `json:"source,omitempty"`
	ImportedAt time.Time       `json:"imported_at"`
}

// Period renders the reference month as MM/YYYY.
func (v IndexValue) Period() string {
	return fmt.Sprintf("%02d/%d", v.Month, v.Year)
}

// MonthKey orders index values chronologically (year*12 + month-1).
func MonthKey(year, month int) int {
	return year*12 + month - 1
}
