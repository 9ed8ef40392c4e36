package zpaq

import (
	"fmt"
	"strconv"
	"time"
)

// Date is a UTC timestamp in decimal YYYYMMDDHHMMSS form, the archive's
// native date encoding. The zero value marks "no date": a tombstone in a
// file version, an undated streaming snapshot.
type Date int64

// Valid date range accepted by the journal.
const (
	minDate = Date(19000101000000)
	maxDate = Date(29991231235959)
)

// now is replaced in tests that need deterministic snapshot dates.
var now = time.Now

func dateNow() Date { return dateFromTime(now().UTC()) }

func dateFromTime(t time.Time) Date {
	t = t.UTC()
	return Date(int64(t.Year())*1e10 + int64(t.Month())*1e8 + int64(t.Day())*1e6 +
		int64(t.Hour())*1e4 + int64(t.Minute())*1e2 + int64(t.Second()))
}

// Valid reports whether d is inside the journal's representable range.
func (d Date) Valid() bool { return d >= minDate && d <= maxDate }

// Time converts d to a time.Time in UTC. The zero Date maps to the zero
// time.
func (d Date) Time() time.Time {
	if d == 0 {
		return time.Time{}
	}
	n := int64(d)
	return time.Date(
		int(n/1e10), time.Month(n/1e8%100), int(n/1e6%100),
		int(n/1e4%100), int(n/1e2%100), int(n%100),
		0, time.UTC)
}

// next returns the date one second after d.
func (d Date) next() Date { return dateFromTime(d.Time().Add(time.Second)) }

func (d Date) String() string {
	if d == 0 {
		return "              -"
	}
	n := int64(d)
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d",
		n/1e10, n/1e8%100, n/1e6%100, n/1e4%100, n/1e2%100, n%100)
}

// ParseUntil parses an -until argument. Small numbers select by version
// count; larger ones are dates, with missing hour, minute and second digits
// filled as 23, 59 and 59 so a date-only cutoff includes the whole day.
func ParseUntil(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: -until %q", ErrBadOption, s)
	}
	if n >= 19000000 && n <= 29991231 {
		n = n*100 + 23
	}
	if n >= 1900000000 && n <= 2999123123 {
		n = n*100 + 59
	}
	if n >= 190000000000 && n <= 299912312359 {
		n = n*100 + 59
	}
	if n > 9999999 && !Date(n).Valid() {
		return 0, fmt.Errorf("%w: -until date %d out of range", ErrBadOption, n)
	}
	return n, nil
}
