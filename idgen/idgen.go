// Package idgen provides the identifier, name-sanitation, duration/cron, and
// deterministic-random helpers shared across the runtime. These are
// implemented inline rather than via a third-party library: the formats are
// part of the engine's wire contract (replay parity, persisted schema names,
// symbolic key encodings) and must not shift with a dependency's behavior.
package idgen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const guidAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewGUID returns a new job/stream identifier of the form "H" followed by a
// 21-character alphanumeric nanoid-style suffix.
func NewGUID() (string, error) {
	suffix, err := randomAlphabet(guidAlphabet, 21)
	if err != nil {
		return "", fmt.Errorf("idgen: generate guid: %w", err)
	}
	return "H" + suffix, nil
}

func randomAlphabet(alphabet string, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

const symAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// SymKey returns the 3-character base-52 encoding of n, used as a compact
// symbolic key for job attribute fields. n must satisfy 0 <= n < 52^3.
func SymKey(n int) (string, error) {
	const base = len(symAlphabet)
	if n < 0 || n >= base*base*base {
		return "", fmt.Errorf("idgen: symkey out of range: %d", n)
	}
	return encodeBase52(n, 3), nil
}

// SymVal returns the 2-character base-52 encoding of n, used as a compact
// symbolic value for enumerations. n must satisfy 0 <= n < 52^2.
func SymVal(n int) (string, error) {
	const base = len(symAlphabet)
	if n < 0 || n >= base*base {
		return "", fmt.Errorf("idgen: symval out of range: %d", n)
	}
	return encodeBase52(n, 2), nil
}

func encodeBase52(n, width int) string {
	const base = len(symAlphabet)
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = symAlphabet[n%base]
		n /= base
	}
	return string(buf)
}

// SafeName derives a schema/namespace-safe identifier from appId: lowercase,
// non-alphanumerics collapsed to a single underscore, trimmed to 63
// characters, with any trailing underscore removed. Returns "connections"
// when the result would otherwise be empty.
func SafeName(appId string) string {
	var b strings.Builder
	lastWasUnderscore := false
	for _, r := range strings.ToLower(appId) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastWasUnderscore = false
		default:
			if !lastWasUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastWasUnderscore = true
			}
		}
	}
	name := b.String()
	if len(name) > 63 {
		name = name[:63]
	}
	name = strings.TrimRight(name, "_")
	if name == "" {
		return "connections"
	}
	return name
}

// ParseDuration converts a human duration string ("2 seconds", "1 minute",
// "24 hours", "30 days", or "infinity") into whole seconds. "infinity" returns
// (0, true) with unbounded=true; all other forms return unbounded=false.
func ParseDuration(s string) (seconds int64, unbounded bool, err error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "infinity" {
		return 0, true, nil
	}
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, false, fmt.Errorf("idgen: invalid duration %q", s)
	}
	n, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false, fmt.Errorf("idgen: invalid duration magnitude %q: %w", s, err)
	}
	unit := strings.TrimSuffix(fields[1], "s")
	var perUnit float64
	switch unit {
	case "second":
		perUnit = 1
	case "minute":
		perUnit = 60
	case "hour":
		perUnit = 3600
	case "day":
		perUnit = 86400
	default:
		return 0, false, fmt.Errorf("idgen: unknown duration unit %q", fields[1])
	}
	return int64(n * perUnit), false, nil
}

// Random returns a deterministic pseudo-random value in [0, 1) derived from
// seed, matching the reference engine's random(seed) = frac(sin(seed)*10000).
// Workflows seed this with their execIndex so replays reproduce identical
// values.
func Random(seed int64) float64 {
	v := math.Sin(float64(seed)) * 10000
	_, frac := math.Modf(v)
	if frac < 0 {
		frac += 1
	}
	return frac
}

// cronField describes one of the five fields of a cron expression.
type cronField struct {
	min, max int
}

var cronFields = [5]cronField{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week
}

// ErrInvalidCron is returned by NextCronDelay when expr is not a valid
// 5-field cron expression.
var ErrInvalidCron = errors.New("idgen: invalid cron expression")

// NextCronDelay returns the number of seconds from `from` until the next tick
// of the 5-field cron expression expr ("minute hour day-of-month month
// day-of-week"), rounded up to a multiple of the given fidelity (seconds),
// so a non-zero delay is never below the fidelity. A fidelity of zero
// defaults to 5 seconds, matching the scheduler's default tick granularity.
func NextCronDelay(expr string, from time.Time, fidelitySeconds int) (int64, error) {
	if fidelitySeconds <= 0 {
		fidelitySeconds = 5
	}
	sets, err := parseCron(expr)
	if err != nil {
		return 0, err
	}
	t := from.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < 366*24*60; i++ {
		if cronMatches(sets, t) {
			delay := int64(t.Sub(from).Seconds())
			if delay < 0 {
				delay = 0
			}
			rem := delay % int64(fidelitySeconds)
			if rem != 0 {
				delay += int64(fidelitySeconds) - rem
			}
			return delay, nil
		}
		t = t.Add(time.Minute)
	}
	return 0, fmt.Errorf("idgen: no matching tick found for %q within one year", expr)
}

func parseCron(expr string) ([5]map[int]struct{}, error) {
	var sets [5]map[int]struct{}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return sets, ErrInvalidCron
	}
	for i, f := range fields {
		set, err := parseCronField(f, cronFields[i])
		if err != nil {
			return sets, fmt.Errorf("%w: field %d: %w", ErrInvalidCron, i, err)
		}
		sets[i] = set
	}
	return sets, nil
}

func parseCronField(f string, bounds cronField) (map[int]struct{}, error) {
	set := make(map[int]struct{})
	for _, part := range strings.Split(f, ",") {
		if part == "*" {
			for v := bounds.min; v <= bounds.max; v++ {
				set[v] = struct{}{}
			}
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loV, err := strconv.Atoi(lo)
			if err != nil {
				return nil, err
			}
			hiV, err := strconv.Atoi(hi)
			if err != nil {
				return nil, err
			}
			if loV > hiV || loV < bounds.min || hiV > bounds.max {
				return nil, fmt.Errorf("range %q out of bounds", part)
			}
			for v := loV; v <= hiV; v++ {
				set[v] = struct{}{}
			}
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		if v < bounds.min || v > bounds.max {
			return nil, fmt.Errorf("value %q out of bounds", part)
		}
		set[v] = struct{}{}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty field %q", f)
	}
	return set, nil
}

func cronMatches(sets [5]map[int]struct{}, t time.Time) bool {
	if _, ok := sets[0][t.Minute()]; !ok {
		return false
	}
	if _, ok := sets[1][t.Hour()]; !ok {
		return false
	}
	if _, ok := sets[2][t.Day()]; !ok {
		return false
	}
	if _, ok := sets[3][int(t.Month())]; !ok {
		return false
	}
	if _, ok := sets[4][int(t.Weekday())]; !ok {
		return false
	}
	return true
}
