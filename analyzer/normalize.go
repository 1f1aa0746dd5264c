package analyzer

import (
	"regexp"
	"strings"
)

var (
	reString     = regexp.MustCompile(`'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"`)
	reNamedParam = regexp.MustCompile(`:[a-zA-Z_][a-zA-Z0-9_]*`)
	reDollar     = regexp.MustCompile(`\$\d+`)
	reNumber     = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	reWhitespace = regexp.MustCompile(`\s+`)
	rePlaceList  = regexp.MustCompile(`\(\s*\?(?:\s*,\s*\?)+\s*\)`)
)

// Normalize collapses whitespace and replaces literals and bind markers
// with a generic `?` so structurally identical queries aggregate into one
// pattern regardless of bound values. IN-lists of any arity collapse to a
// single marker, which is what makes N+1 loops line up.
func Normalize(sql string) string {
	s := strings.TrimSpace(sql)
	s = reString.ReplaceAllString(s, "?")
	s = reNamedParam.ReplaceAllString(s, "?")
	s = reDollar.ReplaceAllString(s, "?")
	s = reNumber.ReplaceAllString(s, "?")
	s = reWhitespace.ReplaceAllString(s, " ")
	s = rePlaceList.ReplaceAllString(s, "(?)")
	return strings.ToLower(s)
}
