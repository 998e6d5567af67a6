package chatrunner

import (
	"regexp"
	"strconv"
)

var (
	jsonCodeRe      = regexp.MustCompile(`"code"\s*:\s*"?(\d{3})"?`)
	jsonStatusIntl  = regexp.MustCompile(`"status"\s*:\s*"INTERNAL"`)
	heuristicIntl   = regexp.MustCompile(`INTERNAL`)
	heuristicCode5x = regexp.MustCompile(`code["':]*\s*5\d\d`)
)

// isRetryableGatewayError classifies a terminal chat event's errorMessage:
// an embedded upstream JSON error with a 5xx or 429 code, or status
// "INTERNAL", is retryable; failing strict JSON extraction, a looser
// heuristic (status:"INTERNAL" and code:5xx both present somewhere in
// the text) catches the same shape; anything else is not retryable.
func isRetryableGatewayError(msg string) bool {
	if jsonStatusIntl.MatchString(msg) {
		return true
	}
	if m := jsonCodeRe.FindStringSubmatch(msg); m != nil {
		if code, err := strconv.Atoi(m[1]); err == nil {
			if code == 429 || (code >= 500 && code <= 599) {
				return true
			}
		}
	}
	if heuristicIntl.MatchString(msg) && heuristicCode5x.MatchString(msg) {
		return true
	}
	return false
}
