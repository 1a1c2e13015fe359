package dialog

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"clinic-assistant/internal/textnorm"
)

var (
	ErrUnparseableTime = errors.New("dialog: unparseable time")
	ErrOutsideHours    = errors.New("dialog: time outside business hours")
)

var (
	clockRe     = regexp.MustCompile(`(?:^|[^\d:])(\d+)(?:\s*(?::|h)\s*(\d+))?(?:[^\d:]|$)`)
	morningRe   = regexp.MustCompile(`\b(manha|morning)\b`)
	afternoonRe = regexp.MustCompile(`\b(tarde|afternoon)\b`)
)

// Clock is a time of day in minutes precision.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

// BusinessHours is the inclusive window in which appointments can be booked.
type BusinessHours struct {
	Open  Clock
	Close Clock
}

// DefaultBusinessHours is 07:00–20:00.
var DefaultBusinessHours = BusinessHours{Open: Clock{Hour: 7}, Close: Clock{Hour: 20}}

// Contains reports whether c falls inside the window, both ends included.
func (b BusinessHours) Contains(c Clock) bool {
	return c.minutes() >= b.Open.minutes() && c.minutes() <= b.Close.minutes()
}

// ParseClock parses "HH:MM" configuration values.
func ParseClock(s string) (Clock, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	hour, err := strconv.Atoi(h)
	if err != nil || !ok {
		return Clock{}, fmt.Errorf("dialog: invalid clock %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || hour > 23 || minute > 59 || hour < 0 || minute < 0 {
		return Clock{}, fmt.Errorf("dialog: invalid clock %q", s)
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

// ParseTime resolves a free-text time of day and checks it against hours.
// An explicit clock wins over "manhã"/"tarde", so "15h da tarde" is 15:00.
// Digit runs are taken whole: "1530" and "10:5" are unparseable, never
// truncated to 15:00 or 10:00.
func ParseTime(text string, hours BusinessHours) (Clock, error) {
	s := textnorm.Normalize(text)
	var c Clock
	switch m := clockRe.FindStringSubmatch(s); {
	case m != nil:
		if len(m[1]) > 2 || (m[2] != "" && len(m[2]) != 2) {
			return Clock{}, ErrUnparseableTime
		}
		c.Hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			c.Minute, _ = strconv.Atoi(m[2])
		}
		if c.Hour > 23 || c.Minute > 59 {
			return Clock{}, ErrUnparseableTime
		}
	case morningRe.MatchString(s):
		c = Clock{Hour: 9}
	case afternoonRe.MatchString(s):
		c = Clock{Hour: 14}
	default:
		return Clock{}, ErrUnparseableTime
	}
	if !hours.Contains(c) {
		return c, ErrOutsideHours
	}
	return c, nil
}
