// Package urgency grades how medically time-critical a message reads.
package urgency

import (
	"regexp"

	"clinic-assistant/internal/textnorm"
)

// Level is a four-step severity.
type Level string

const (
	Low      Level = "low"
	Medium   Level = "medium"
	High     Level = "high"
	Critical Level = "critical"
)

// Checked strictly in this order; first match wins.
var classes = []struct {
	level Level
	re    *regexp.Regexp
}{
	{Critical, regexp.MustCompile(`sangue|sangramento|sangrando|acidente|desmaiou|desmaio|inconsciente|nao para|bleeding|accident|unconscious`)},
	{High, regexp.MustCompile(`muita dor|dor forte|dor intensa|inchado demais|febre alta|nao aguento|severe pain|high fever`)},
	{Medium, regexp.MustCompile(`dor|doendo|incomodando|inchaco|inchado|desconforto|pain|discomfort|swelling`)},
}

// Detect returns the severity of text. It never fails; unmatched text is Low.
func Detect(text string) Level {
	normalized := textnorm.Normalize(text)
	for _, c := range classes {
		if c.re.MatchString(normalized) {
			return c.level
		}
	}
	return Low
}
