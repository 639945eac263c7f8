package docnumber

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultSequenceDigits is the zero-padded width used when none is configured
	DefaultSequenceDigits = 3
	// MaxSequenceDigits bounds both the configured width and the parsed sequence part
	MaxSequenceDigits = 9
	// MaxSequence is the largest sequence that still renders within MaxSequenceDigits
	MaxSequence uint64 = 999_999_999
)

// NormalizeSequenceDigits clamps an invalid width to DefaultSequenceDigits.
// The second return value reports whether n was accepted as is.
func NormalizeSequenceDigits(n int) (int, bool) {
	if n < 1 || n > MaxSequenceDigits {
		return DefaultSequenceDigits, false
	}
	return n, true
}

// FormatConfig is the resolved formatting of one document type
type FormatConfig struct {
	Prefix         string
	DateFormat     DateFormat
	SequenceDigits int
}

// DefaultFormatConfig returns the fallback configuration for a prefix
func DefaultFormatConfig(prefix string) FormatConfig {
	return FormatConfig{
		Prefix:         prefix,
		DateFormat:     DefaultDateFormat,
		SequenceDigits: DefaultSequenceDigits,
	}
}

// Normalized returns a copy with invalid date format and digits replaced by defaults
func (c FormatConfig) Normalized() FormatConfig {
	if !c.DateFormat.IsValid() {
		c.DateFormat = DefaultDateFormat
	}
	c.SequenceDigits, _ = NormalizeSequenceDigits(c.SequenceDigits)
	return c
}

// Bucket returns the date bucket of t under this configuration
func (c FormatConfig) Bucket(t time.Time) string {
	return c.DateFormat.Encode(t)
}

// Render formats a sequence allocated in bucket
func (c FormatConfig) Render(bucket string, sequence uint64) string {
	return Render(c.Prefix, bucket, sequence, c.SequenceDigits)
}

// Render concatenates prefix, date bucket and the zero-padded sequence.
// Sequences wider than digits are rendered in full.
func Render(prefix, bucket string, sequence uint64, digits int) string {
	return fmt.Sprintf("%s%s%0*d", prefix, bucket, digits, sequence)
}

// ParsedNumber is the decomposition of a rendered document number
type ParsedNumber struct {
	Prefix     string
	DateBucket string
	Date       time.Time
	Sequence   uint64
}

// ParseOption configures Parse
type ParseOption func(*parseOptions)

type parseOptions struct {
	dateFormat DateFormat
	digits     int
}

// WithDateFormat sets the date format the number was rendered with (default YYMMDD)
func WithDateFormat(f DateFormat) ParseOption {
	return func(o *parseOptions) {
		if f.IsValid() {
			o.dateFormat = f
		}
	}
}

// WithSequenceDigits requires the sequence part to be at least n digits wide
func WithSequenceDigits(n int) ParseOption {
	return func(o *parseOptions) {
		o.digits, _ = NormalizeSequenceDigits(n)
	}
}

// Parse decomposes number rendered with expectedPrefix. It returns false when
// the prefix does not match, the remainder is not all digits, its length falls
// outside the accepted bounds or the date part is not a real date.
func Parse(number, expectedPrefix string, opts ...ParseOption) (ParsedNumber, bool) {
	o := parseOptions{dateFormat: DefaultDateFormat}
	for _, opt := range opts {
		opt(&o)
	}

	if expectedPrefix == "" || !strings.HasPrefix(number, expectedPrefix) {
		return ParsedNumber{}, false
	}
	body := number[len(expectedPrefix):]
	dateLen := o.dateFormat.Len()
	if len(body) < dateLen+1 || len(body) > dateLen+MaxSequenceDigits || !isDigits(body) {
		return ParsedNumber{}, false
	}

	bucket, seqPart := body[:dateLen], body[dateLen:]
	if o.digits > 0 && len(seqPart) < o.digits {
		return ParsedNumber{}, false
	}
	date, err := o.dateFormat.Decode(bucket)
	if err != nil {
		return ParsedNumber{}, false
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return ParsedNumber{}, false
	}

	return ParsedNumber{
		Prefix:     expectedPrefix,
		DateBucket: bucket,
		Date:       date,
		Sequence:   seq,
	}, true
}

// Bounds of the digit body accepted by Validate: a six-digit date with one
// sequence digit up to an eight-digit date with five.
const (
	minValidBodyLen = 7
	maxValidBodyLen = 13
)

// Validate is a format-agnostic check that number starts with prefix and the
// rest is a digit string of 7 to 13 characters. Use Parse for numbers with
// wider sequences.
func Validate(number, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(number, prefix) {
		return false
	}
	body := number[len(prefix):]
	return len(body) >= minValidBodyLen &&
		len(body) <= maxValidBodyLen &&
		isDigits(body)
}
