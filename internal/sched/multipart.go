package sched

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/exstreamtv/exstreamtv/internal/models"
)

// Collections carry no explicit grouping, so multi-part episodes are
// recognized from their titles: "The Heist Part 1" / "The Heist Part 2",
// "Finale (1)" / "Finale (2)" and the usual variants. The compress flex mode
// uses this to skip such runs whole instead of orphaning a later part.
var partTitlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(.*?)[\s:,-]+part[\s.]*(\d+)$`),
	regexp.MustCompile(`(?i)^(.*?)[\s:,-]+pt[\s.]*(\d+)$`),
	regexp.MustCompile(`^(.*?)\s*\((\d+)\)$`),
}

// ParsePartTitle splits a multi-part episode title into its base and part
// number. ok is false for titles that carry no part marker.
func ParsePartTitle(title string) (base string, part int, ok bool) {
	trimmed := strings.TrimSpace(title)
	for _, re := range partTitlePatterns {
		m := re.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil || n < 1 {
			continue
		}
		return strings.TrimSpace(m[1]), n, true
	}
	return "", 0, false
}

// adjacentParts reports whether b directly follows a in the same multi-part
// episode.
func adjacentParts(a, b *models.MediaItem) bool {
	baseA, partA, okA := ParsePartTitle(a.Title)
	if !okA {
		return false
	}
	baseB, partB, okB := ParsePartTitle(b.Title)
	if !okB {
		return false
	}
	return strings.EqualFold(baseA, baseB) && partB == partA+1
}
