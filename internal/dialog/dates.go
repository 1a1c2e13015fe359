package dialog

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"clinic-assistant/internal/textnorm"
)

var (
	ErrUnparseableDate = errors.New("dialog: unparseable date")
	ErrPastDate        = errors.New("dialog: date is in the past")
)

var (
	tomorrowRe = regexp.MustCompile(`\b(amanha|tomorrow)\b`)
	todayRe    = regexp.MustCompile(`\b(hoje|today)\b`)
	weekdayRe  = regexp.MustCompile(`\b(?:proxim[ao]?|next)\s*(segunda|terca|quarta|quinta|sexta|sabado|domingo|monday|tuesday|wednesday|thursday|friday|saturday|sunday)`)
	numericRe  = regexp.MustCompile(`(?:^|[^\d/-])(\d+)[/-](\d+)(?:[/-](\d+))?(?:[^\d/-]|$)`)
)

var weekdays = map[string]time.Weekday{
	"domingo": time.Sunday, "sunday": time.Sunday,
	"segunda": time.Monday, "monday": time.Monday,
	"terca": time.Tuesday, "tuesday": time.Tuesday,
	"quarta": time.Wednesday, "wednesday": time.Wednesday,
	"quinta": time.Thursday, "thursday": time.Thursday,
	"sexta": time.Friday, "friday": time.Friday,
	"sabado": time.Saturday, "saturday": time.Saturday,
}

// ParseDate resolves a free-text date relative to now. The result is midnight
// in now's location. Relative phrases never resolve before today; explicit
// dates before today return ErrPastDate.
func ParseDate(text string, now time.Time) (time.Time, error) {
	s := textnorm.Normalize(text)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch {
	case tomorrowRe.MatchString(s):
		return today.AddDate(0, 0, 1), nil
	case todayRe.MatchString(s):
		return today, nil
	}

	if m := weekdayRe.FindStringSubmatch(s); m != nil {
		days := int(weekdays[m[1]] - today.Weekday())
		if days <= 0 {
			days += 7
		}
		return today.AddDate(0, 0, days), nil
	}

	m := numericRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, ErrUnparseableDate
	}
	if len(m[1]) > 2 || len(m[2]) > 2 {
		return time.Time{}, ErrUnparseableDate
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year := today.Year()
	if m[3] != "" {
		switch len(m[3]) {
		case 2:
			y, _ := strconv.Atoi(m[3])
			year = 2000 + y
		case 4:
			year, _ = strconv.Atoi(m[3])
		default:
			return time.Time{}, ErrUnparseableDate
		}
	}
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, ErrUnparseableDate
	}
	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, now.Location())
	if date.Day() != day || int(date.Month()) != month {
		return time.Time{}, fmt.Errorf("%w: %02d/%02d/%d does not exist", ErrUnparseableDate, day, month, year)
	}
	if date.Before(today) {
		return time.Time{}, ErrPastDate
	}
	return date, nil
}

var (
	weekdayNames = [...]string{"domingo", "segunda-feira", "terça-feira", "quarta-feira", "quinta-feira", "sexta-feira", "sábado"}
	monthNames   = [...]string{"janeiro", "fevereiro", "março", "abril", "maio", "junho", "julho", "agosto", "setembro", "outubro", "novembro", "dezembro"}
)

// FormatDate renders a date the way replies show it: "segunda-feira, 19 de outubro".
func FormatDate(t time.Time) string {
	return fmt.Sprintf("%s, %d de %s", weekdayNames[t.Weekday()], t.Day(), monthNames[t.Month()-1])
}

// ISODate renders the stored form of a date.
func ISODate(t time.Time) string {
	return t.Format(time.DateOnly)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return strings.ToUpper(string(r[0])) + string(r[1:])
}
