package backend

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	bulletPrefix = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
	inlineSplit  = regexp.MustCompile(`\s*(?:->|→|=>|;|,)\s*`)
	dataPoint    = regexp.MustCompile(`^(.*?)[\s:=]+\(?(-?[\d,]*\.?\d+)\s*%?\)?$`)
)

// ParseItems splits free-form content into ordered items. Multi-line content
// is split per line (list markers removed); a single line is split on
// arrows, semicolons or commas.
func ParseItems(content string) []string {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	var raw []string
	if len(lines) > 1 {
		raw = lines
	} else {
		raw = inlineSplit.Split(lines[0], -1)
	}

	items := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		if line != "" {
			items = append(items, line)
		}
	}
	return items
}

// DataPoint is one labelled numeric value.
type DataPoint struct {
	Label string
	Value float64
}

// ParseSeries extracts "label: value" pairs from content. Items without a
// trailing number are skipped.
func ParseSeries(content string) []DataPoint {
	var points []DataPoint
	for _, item := range ParseItems(content) {
		m := dataPoint.FindStringSubmatch(item)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
		if err != nil {
			continue
		}
		label := strings.TrimSpace(m[1])
		if label == "" {
			label = strconv.Itoa(len(points) + 1)
		}
		points = append(points, DataPoint{Label: label, Value: v})
	}
	return points
}
