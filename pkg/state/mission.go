package state

import (
	"regexp"
	"strconv"
	"strings"
)

// Mission-text heuristics. Explicit terminal conditions in the session
// config always win; these recognizers are the fallback when the mission is
// plain prose.

var (
	countPattern      = regexp.MustCompile(`(?i)\b(\d+)\s+(?:files?|values?|parts?|items?|artifacts?|steps?|secrets?|entries|records?)\b`)
	allCountPattern   = regexp.MustCompile(`(?i)\ball\s+(\d+)\b`)
	orderedList       = regexp.MustCompile(`(?m)^\s*1[.)]\s+.+$`)
	orderedListSecond = regexp.MustCompile(`(?m)^\s*2[.)]\s+.+$`)
	sequentialTarget  = regexp.MustCompile(`(?i)(?:part|step|val|chunk|page|section|chapter)[_-]?\d+`)
	numberedFile      = regexp.MustCompile(`\d`)
)

// RequiredCount extracts an explicit artifact count from the mission text
// ("extract all 3 secrets", "sum 2 values"). The explicit session config
// takes precedence; callers check that first.
func RequiredCount(mission string) (int, bool) {
	if m := countPattern.FindStringSubmatch(mission); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n, true
		}
	}
	if m := allCountPattern.FindStringSubmatch(mission); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

// MentionsCalculation reports whether the mission asks for arithmetic.
func MentionsCalculation(mission string) bool {
	lower := strings.ToLower(mission)
	for _, kw := range []string{"sum", "total", "calculate", "add up", "multiply", "subtract"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// MentionsWrite reports whether the mission demands a written output file.
func MentionsWrite(mission string) bool {
	lower := strings.ToLower(mission)
	for _, kw := range []string{"write", "save to file", "report file", "output file"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// MentionsExtract reports a simple single-target extraction mission.
func MentionsExtract(mission string) bool {
	lower := strings.ToLower(mission)
	return strings.Contains(lower, "extract") || strings.Contains(lower, "find the")
}

// IsSequentialMission recognizes "1. ..., 2. ..." style missions.
func IsSequentialMission(mission string) bool {
	return orderedList.MatchString(mission) && orderedListSecond.MatchString(mission)
}

// SequentialStepTarget recognizes targets that look like one step of a
// numbered sequence (part_1.txt, val2.md, step-3.py).
func SequentialStepTarget(target string) bool {
	base := Basename(target)
	return sequentialTarget.MatchString(base) && numberedFile.MatchString(base)
}
