package args

import (
	"errors"
	"math"
	"strings"
	"time"
	"unicode"
)

var units = map[string]time.Duration{
	"ms":           time.Millisecond,
	"millisecond":  time.Millisecond,
	"milliseconds": time.Millisecond,
	"s":            time.Second,
	"sec":          time.Second,
	"secs":         time.Second,
	"second":       time.Second,
	"seconds":      time.Second,
	"m":            time.Minute,
	"min":          time.Minute,
	"mins":         time.Minute,
	"minute":       time.Minute,
	"minutes":      time.Minute,
	"h":            time.Hour,
	"hour":         time.Hour,
	"hours":        time.Hour,
	"d":            24 * time.Hour,
	"day":          24 * time.Hour,
	"days":         24 * time.Hour,
	"w":            7 * 24 * time.Hour,
	"week":         7 * 24 * time.Hour,
	"weeks":        7 * 24 * time.Hour,
	"mon":          30 * 24 * time.Hour,
	"month":        30 * 24 * time.Hour,
	"months":       30 * 24 * time.Hour,
	"y":            365 * 24 * time.Hour,
	"year":         365 * 24 * time.Hour,
	"years":        365 * 24 * time.Hour,
}

var errBadDuration = errors.New("args: invalid duration")

// ParseDuration parses a sequence of <count><unit> pairs such as "5m",
// "1h30m" or "2 days". Units are case-insensitive. A month is 30 days and a
// year 365 days. The whole input must be consumed and the sum must be
// positive.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, errBadDuration
	}

	var total time.Duration
	for i := 0; i < len(s); {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if start == i {
			return 0, errBadDuration
		}
		var n int64
		for _, c := range s[start:i] {
			n = n*10 + int64(c-'0')
			if n > math.MaxInt64/int64(time.Millisecond) {
				return 0, errBadDuration
			}
		}

		for i < len(s) && s[i] == ' ' {
			i++
		}
		ustart := i
		for i < len(s) && unicode.IsLetter(rune(s[i])) {
			i++
		}
		unit, ok := units[s[ustart:i]]
		if !ok {
			return 0, errBadDuration
		}
		if n > 0 && int64(unit) > (math.MaxInt64-int64(total))/n {
			return 0, errBadDuration
		}
		total += time.Duration(n) * unit
	}
	if total <= 0 {
		return 0, errBadDuration
	}
	return total, nil
}
