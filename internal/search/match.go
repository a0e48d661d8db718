// Package search ranks library podcasts and episodes against a fuzzy query
// using fzf's v2 matching algorithm.
package search

import (
	"strings"
	"sync"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// Score thresholds, in raw fzf score units.
const (
	ScoreThresholdStrict     = 70 // only high quality matches
	ScoreThresholdNormal     = 50
	ScoreThresholdPermissive = 30
	ScoreThresholdNone       = 0 // accept all matches
)

var initOnce sync.Once

// MatchResult is a score with the matched rune positions, for highlighting.
// Score is -1 when the text does not match.
type MatchResult struct {
	Score     int
	Positions []int
}

// Matched reports whether the text matched at all.
func (r MatchResult) Matched() bool { return r.Score >= 0 }

// Matcher scores text against one query. A Matcher reuses its scratch
// buffers and must not be shared between goroutines.
type Matcher struct {
	pattern       []rune
	caseSensitive bool
	minScore      int
	slab          *util.Slab
}

// NewMatcher builds a matcher. An upper-case rune in the query makes it case
// sensitive, the way fzf's smart case does.
func NewMatcher(query string, minScore int) *Matcher {
	initOnce.Do(func() { algo.Init("default") })

	query = strings.TrimSpace(query)
	caseSensitive := strings.ToLower(query) != query
	if !caseSensitive {
		query = strings.ToLower(query)
	}
	return &Matcher{
		pattern:       []rune(query),
		caseSensitive: caseSensitive,
		minScore:      minScore,
		slab:          util.MakeSlab(16384, 1024),
	}
}

// Empty reports whether the query matches everything.
func (m *Matcher) Empty() bool { return len(m.pattern) == 0 }

// Match scores text, ignoring the threshold.
func (m *Matcher) Match(text string) MatchResult {
	if m.Empty() {
		return MatchResult{}
	}
	if !m.caseSensitive {
		text = strings.ToLower(text)
	}

	chars := util.ToChars([]byte(text))
	result, positions := algo.FuzzyMatchV2(m.caseSensitive, false, true, &chars, m.pattern, true, m.slab)
	if result.Start < 0 {
		return MatchResult{Score: -1}
	}

	var matched []int
	if positions != nil {
		matched = make([]int, len(*positions))
		copy(matched, *positions)
	}
	return MatchResult{Score: result.Score, Positions: matched}
}

// Accept reports whether r clears the matcher's threshold.
func (m *Matcher) Accept(r MatchResult) bool {
	return r.Matched() && (m.minScore == 0 || r.Score >= m.minScore)
}

// Best tries each field in order and returns the index and result of the
// first one clearing the threshold, or -1.
func (m *Matcher) Best(fields ...string) (int, MatchResult) {
	if m.Empty() {
		return 0, MatchResult{}
	}
	for i, f := range fields {
		if f == "" {
			continue
		}
		if r := m.Match(f); m.Accept(r) {
			return i, r
		}
	}
	return -1, MatchResult{Score: -1}
}
