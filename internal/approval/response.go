package approval

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Response is a human answer to an approval request.
type Response int

const (
	ResponseNo Response = iota
	ResponseYes
	ResponseAll
)

func (r Response) String() string {
	switch r {
	case ResponseYes:
		return "yes"
	case ResponseAll:
		return "all"
	default:
		return "no"
	}
}

// ParseResponse accepts y/yes, n/no and all/approve-all, ignoring case and
// surrounding space. Any other input is not a decision.
func ParseResponse(s string) (Response, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return ResponseYes, nil
	case "n", "no":
		return ResponseNo, nil
	case "a", "all", "approve-all", "approve all":
		return ResponseAll, nil
	}
	return ResponseNo, goerr.Wrap(ErrNotADecision, "unrecognized response", goerr.V("input", s))
}
