package intent

import (
	"github.com/agnivade/levenshtein"
)

// partialRatio reports the best similarity (0-100) of the shorter string
// against any equal-length window of the longer one. This mirrors the
// classic fuzzy partial-ratio: "track order" scores high inside
// "can you track order 12345 for me".
func partialRatio(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 100
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	shorter, longer := ra, rb
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}

	needle := string(shorter)
	n := len(shorter)
	best := 0
	for i := 0; i+n <= len(longer); i++ {
		window := string(longer[i : i+n])
		dist := levenshtein.ComputeDistance(needle, window)
		score := 100 * (n - dist) / n
		if score > best {
			best = score
			if best == 100 {
				break
			}
		}
	}
	return best
}
