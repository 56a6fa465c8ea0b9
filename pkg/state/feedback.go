package state

import "regexp"

// Feedback markers shared between the tools that emit them and the kernel
// policies that react to them.
const (
	// FeedbackL1Violation marks a failed L1 admission. The full message
	// names the blocking page: "L1 RAM VIOLATION: cannot admit 'x'.
	// Evict 'FILE:y' first."
	FeedbackL1Violation = "L1 RAM VIOLATION"

	// FeedbackCriticalError marks unrecoverable tool failures, e.g.
	// "CRITICAL ERROR: File 'x' NOT FOUND".
	FeedbackCriticalError = "CRITICAL ERROR"
)

var blockerPattern = regexp.MustCompile(`[Ee]vict '([^']+)'`)

// L1ViolationBlocker extracts the blocking page id from an L1 violation
// feedback message.
func L1ViolationBlocker(feedback string) (string, bool) {
	if m := blockerPattern.FindStringSubmatch(feedback); m != nil {
		return m[1], true
	}
	return "", false
}
