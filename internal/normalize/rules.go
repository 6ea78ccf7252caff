package normalize

import (
	"fmt"
	"regexp"
	"strings"
)

// Rules filters events by type. Each entry is a regular expression matched
// against the whole type, so plain names like "PushEvent" work as is.
// With no include entries every type is included; exclude wins.
type Rules struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

func NewRules(include, exclude []string) (*Rules, error) {
	var r Rules
	var err error
	if r.include, err = compile(include); err != nil {
		return nil, fmt.Errorf("include_types: %w", err)
	}
	if r.exclude, err = compile(exclude); err != nil {
		return nil, fmt.Errorf("exclude_types: %w", err)
	}
	return &r, nil
}

func compile(exprs []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, e := range exprs {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		re, err := regexp.Compile(`^(?:` + e + `)$`)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Allow reports whether events of this type should be stored. A nil
// *Rules allows everything.
func (r *Rules) Allow(eventType string) bool {
	if r == nil {
		return true
	}
	for _, re := range r.exclude {
		if re.MatchString(eventType) {
			return false
		}
	}
	if len(r.include) == 0 {
		return true
	}
	for _, re := range r.include {
		if re.MatchString(eventType) {
			return true
		}
	}
	return false
}
