package plan

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultDenyPatterns match deliverable text that is only a placeholder.
var DefaultDenyPatterns = []string{
	`^todo\b\W*$`,
	`^todo\s*[:(-]`,
	`^todo (later|soon)\b`,
	`^tbd\b`,
	`^step \d+$`,
	`^placeholder`,
	`^n/?a$`,
	`^\.\.\.$`,
}

// CompileDenyPatterns compiles deny patterns case-insensitively.
func CompileDenyPatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid deliverable deny pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// ChooseDeliverable returns the first candidate, in priority order, that is
// neither blank nor matched by a deny pattern. It reports false when every
// candidate is rejected.
func ChooseDeliverable(candidates []string, deny []*regexp.Regexp) (string, bool) {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || isPlaceholder(c, deny) {
			continue
		}
		return c, true
	}
	return "", false
}

func isPlaceholder(s string, deny []*regexp.Regexp) bool {
	for _, re := range deny {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
