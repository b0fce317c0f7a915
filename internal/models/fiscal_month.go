package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FiscalMonth is a month of the April-March financial year; Apr is 0
type FiscalMonth int

const (
	Apr FiscalMonth = iota
	May
	Jun
	Jul
	Aug
	Sep
	Oct
	Nov
	Dec
	Jan
	Feb
	Mar
)

// MonthsPerYear is the length of a fiscal year
const MonthsPerYear = 12

var fiscalMonthLabels = [MonthsPerYear]string{
	"apr", "may", "jun", "jul", "aug", "sep",
	"oct", "nov", "dec", "jan", "feb", "mar",
}

// FiscalMonths lists every fiscal month in fiscal order
func FiscalMonths() []FiscalMonth {
	months := make([]FiscalMonth, MonthsPerYear)
	for i := range months {
		months[i] = FiscalMonth(i)
	}
	return months
}

// FiscalIndex maps a calendar month index (January=0) to a fiscal index (April=0)
func FiscalIndex(calendarMonth int) int {
	if calendarMonth >= 3 {
		return calendarMonth - 3
	}
	return calendarMonth + 9
}

// FiscalMonthOf returns the fiscal month containing t
func FiscalMonthOf(t time.Time) FiscalMonth {
	return FiscalMonth(FiscalIndex(int(t.Month()) - 1))
}

// ParseFiscalMonth accepts the lower-case three letter label used on the wire
func ParseFiscalMonth(label string) (FiscalMonth, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	for i, l := range fiscalMonthLabels {
		if l == label {
			return FiscalMonth(i), nil
		}
	}
	return 0, fmt.Errorf("unknown fiscal month %q", label)
}

// Valid reports whether m is one of the twelve fiscal months
func (m FiscalMonth) Valid() bool {
	return m >= Apr && m <= Mar
}

func (m FiscalMonth) String() string {
	if !m.Valid() {
		return fmt.Sprintf("FiscalMonth(%d)", int(m))
	}
	return fiscalMonthLabels[m]
}

func (m FiscalMonth) MarshalJSON() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid fiscal month %d", int(m))
	}
	return json.Marshal(m.String())
}

func (m *FiscalMonth) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return fmt.Errorf("fiscal month must be a string: %w", err)
	}
	parsed, err := ParseFiscalMonth(label)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MonthLabels converts months to their wire labels, keeping order
func MonthLabels(months []FiscalMonth) []string {
	labels := make([]string, len(months))
	for i, m := range months {
		labels[i] = m.String()
	}
	return labels
}
