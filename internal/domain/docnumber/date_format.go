// Package docnumber contains the document number domain: formats, parsing,
// gap detection, the document type catalogue and the storage contracts used
// by the allocator.
package docnumber

import (
	"fmt"
	"strings"
	"time"
)

// DateFormat is the encoding of the date part of a document number.
// It also defines the date bucket a counter resets on.
type DateFormat string

const (
	// DateFormatYYYYMMDD encodes the full date, e.g. 20251108
	DateFormatYYYYMMDD DateFormat = "YYYYMMDD"
	// DateFormatYYMMDD encodes a two-digit year date, e.g. 251108
	DateFormatYYMMDD DateFormat = "YYMMDD"
	// DateFormatYYMM encodes year and month only, e.g. 2511
	DateFormatYYMM DateFormat = "YYMM"
)

// DefaultDateFormat is used when no valid date format is configured
const DefaultDateFormat = DateFormatYYMMDD

// AllDateFormats returns all supported date formats
func AllDateFormats() []DateFormat {
	return []DateFormat{
		DateFormatYYYYMMDD,
		DateFormatYYMMDD,
		DateFormatYYMM,
	}
}

// ParseDateFormat converts a configuration value into a DateFormat.
func ParseDateFormat(s string) (DateFormat, bool) {
	f := DateFormat(strings.ToUpper(strings.TrimSpace(s)))
	return f, f.IsValid()
}

// IsValid checks if the date format is supported
func (f DateFormat) IsValid() bool {
	switch f {
	case DateFormatYYYYMMDD, DateFormatYYMMDD, DateFormatYYMM:
		return true
	default:
		return false
	}
}

// String returns the string representation of the date format
func (f DateFormat) String() string {
	return string(f)
}

// Len returns the number of digits the date part occupies
func (f DateFormat) Len() int {
	return len(f.layout())
}

func (f DateFormat) layout() string {
	switch f {
	case DateFormatYYYYMMDD:
		return "20060102"
	case DateFormatYYMM:
		return "0601"
	default:
		return "060102"
	}
}

// Encode renders the date bucket for t.
// An unsupported format encodes with DefaultDateFormat.
func (f DateFormat) Encode(t time.Time) string {
	return t.Format(f.layout())
}

// Decode parses a date bucket back into a date. YYMM buckets decode to the
// first day of the month. Two-digit years always fall in 2000-2099.
func (f DateFormat) Decode(bucket string) (time.Time, error) {
	if len(bucket) != f.Len() || !isDigits(bucket) {
		return time.Time{}, fmt.Errorf("docnumber: invalid %s date part %q", f.effective(), bucket)
	}
	t, err := time.Parse(f.layout(), bucket)
	if err != nil {
		return time.Time{}, fmt.Errorf("docnumber: invalid %s date part %q: %w", f.effective(), bucket, err)
	}
	// time.Parse maps "06" values of 69 and above to the 1900s
	if f.effective() != DateFormatYYYYMMDD && t.Year() < 2000 {
		t = time.Date(t.Year()+100, t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t, nil
}

func (f DateFormat) effective() DateFormat {
	if f.IsValid() {
		return f
	}
	return DefaultDateFormat
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
