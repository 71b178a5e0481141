package resolver

import (
	"strings"

	"github.com/davrell/pagectl/api/schemas"
)

// scoring weights for fuzzy candidate ranking. Text similarity dominates;
// position and size only nudge otherwise comparable candidates.
const (
	weightText     = 0.70
	weightRole     = 0.15
	weightPosition = 0.10
	weightArea     = 0.05
)

// scoreCandidate returns a confidence in [0,1] for how well the candidate
// matches the descriptor. Invisible candidates score zero.
func scoreCandidate(d schemas.TargetDescriptor, cand schemas.Element, viewport schemas.BoundingBox) float64 {
	if !cand.Visible {
		return 0
	}

	textSim := textSimilarity(d.Text, cand.Text)
	if labelSim := textSimilarity(d.Text, cand.Label); labelSim > textSim {
		textSim = labelSim
	}

	roleScore := 0.0
	if d.Role != "" {
		if strings.EqualFold(d.Role, cand.Role) {
			roleScore = 1.0
		}
	} else {
		// No role requested: neutral credit so role weight does not punish.
		roleScore = 0.5
	}

	score := weightText*textSim +
		weightRole*roleScore +
		weightPosition*centerProximity(cand.Box, viewport) +
		weightArea*areaScore(cand.Box, viewport)

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// textSimilarity blends normalized edit distance with token overlap. Either
// side empty yields zero.
func textSimilarity(want, got string) float64 {
	want = normalize(want)
	got = normalize(got)
	if want == "" || got == "" {
		return 0
	}
	if want == got {
		return 1
	}
	if strings.Contains(got, want) || strings.Contains(want, got) {
		return 0.9
	}
	lev := levenshteinRatio(want, got)
	tok := tokenOverlap(want, got)
	if tok > lev {
		return tok
	}
	return lev
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// levenshteinRatio is 1 - editDistance/maxLen, computed with a two-row
// dynamic program over runes.
func levenshteinRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	dist := prev[len(rb)]
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	return 1 - float64(dist)/float64(maxLen)
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// tokenOverlap is the Jaccard index over the sets of whitespace-separated
// tokens. Repeated tokens count once, keeping the ratio within [0,1].
func tokenOverlap(a, b string) float64 {
	sa := tokenSet(a)
	sb := tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	common := 0
	for t := range sb {
		if _, ok := sa[t]; ok {
			common++
		}
	}
	union := len(sa) + len(sb) - common
	return float64(common) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range strings.Fields(s) {
		set[t] = struct{}{}
	}
	return set
}

// centerProximity scores how close the candidate's center sits to the
// viewport center: 1 at dead center, falling off linearly.
func centerProximity(box, viewport schemas.BoundingBox) float64 {
	if viewport.Width <= 0 || viewport.Height <= 0 {
		return 0.5
	}
	c := box.Center()
	vc := viewport.Center()
	dx := (c.X - vc.X) / viewport.Width
	dy := (c.Y - vc.Y) / viewport.Height
	dist := dx*dx + dy*dy
	score := 1 - dist
	if score < 0 {
		return 0
	}
	return score
}

// areaScore gives modest credit for larger targets, saturating at 5% of
// the viewport.
func areaScore(box, viewport schemas.BoundingBox) float64 {
	va := viewport.Area()
	if va <= 0 {
		return 0.5
	}
	frac := box.Area() / (va * 0.05)
	if frac > 1 {
		return 1
	}
	return frac
}

// moreProminent breaks confidence ties: larger area first, then proximity
// to the viewport center.
func moreProminent(a, b schemas.Element, viewport schemas.BoundingBox) bool {
	if a.Box.Area() != b.Box.Area() {
		return a.Box.Area() > b.Box.Area()
	}
	return centerProximity(a.Box, viewport) > centerProximity(b.Box, viewport)
}
