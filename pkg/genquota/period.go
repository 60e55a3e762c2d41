package genquota

import (
	"fmt"
	"strings"
	"time"
)

// KeyPrefix prefixes every daily counter key
const KeyPrefix = "aiGenUsed"

const dateLayout = "2006-01-02"

// PeriodKey addresses one daily counter for one generation type.
// Date is the calendar date in the ledger's location, formatted YYYY-MM-DD,
// so lexical order equals chronological order.
type PeriodKey struct {
	Type GenerationType
	Date string
}

// NewPeriodKey returns the key for the calendar day containing now in loc
func NewPeriodKey(t GenerationType, now time.Time, loc *time.Location) PeriodKey {
	if loc == nil {
		loc = time.Local
	}
	return PeriodKey{
		Type: t,
		Date: now.In(loc).Format(dateLayout),
	}
}

// String returns the storage form aiGenUsed_<type>_<YYYY-MM-DD>
func (k PeriodKey) String() string {
	return KeyPrefix + "_" + string(k.Type) + "_" + k.Date
}

// ParsePeriodKey parses the storage form produced by PeriodKey.String
func ParsePeriodKey(s string) (PeriodKey, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 3 || parts[0] != KeyPrefix {
		return PeriodKey{}, fmt.Errorf("malformed period key %q", s)
	}
	t, err := ParseGenerationType(parts[1])
	if err != nil {
		return PeriodKey{}, err
	}
	if _, err := time.Parse(dateLayout, parts[2]); err != nil {
		return PeriodKey{}, fmt.Errorf("malformed period key %q: %w", s, err)
	}
	return PeriodKey{Type: t, Date: parts[2]}, nil
}

// Start returns local midnight at the beginning of the key's day
func (k PeriodKey) Start(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(dateLayout, k.Date, loc)
}

// NextReset returns the next local midnight after now
func NextReset(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
