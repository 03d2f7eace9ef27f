// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package tag parses the inline "# HYPERSHELL[:] k1:v1 k2:v2" comment
// syntax described in spec.md §6, and validates tag keys and string
// values against the allowed character class.
package tag

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/diffeo/go-hypershell/task"
)

// tokenPattern matches the allowed character class for tag keys and
// string values: [A-Za-z0-9_.+-]+, length <= 120 (spec.md §6).
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_.+-]{1,120}$`)

// marker introduces an inline tag comment. Either spelling is
// accepted, matching spec.md §6's "HYPERSHELL[:]" notation.
var markerPattern = regexp.MustCompile(`#\s*HYPERSHELL:?\s+(.*)$`)

// ErrInvalidToken is returned when a tag key or bare string value
// does not match the allowed character class.
type ErrInvalidToken struct {
	Token string
}

func (e ErrInvalidToken) Error() string {
	return fmt.Sprintf("tag: invalid token %q: must match [A-Za-z0-9_.+-]{1,120}", e.Token)
}

// Validate checks a single key against the allowed character class.
func Validate(key string) error {
	if !tokenPattern.MatchString(key) {
		return ErrInvalidToken{Token: key}
	}
	return nil
}

// ParseInline splits a raw input line into the command-line text and
// its inline tag map, per spec.md §6. If no inline tag marker is
// present, the line is returned trimmed of surrounding whitespace
// with a nil tag map. A
// malformed marker (spec.md §7: "Inline-tag parse failure") returns
// a non-nil error; the Loader must fail the submission rather than
// silently dropping the tags.
func ParseInline(line string) (args string, tags task.Tag, err error) {
	loc := markerPattern.FindStringSubmatchIndex(line)
	if loc == nil {
		return strings.TrimSpace(line), nil, nil
	}
	args = strings.TrimSpace(line[:loc[0]])
	rest := line[loc[2]:loc[3]]

	tags = task.Tag{}
	for _, tok := range strings.Fields(rest) {
		key, value, found := strings.Cut(tok, ":")
		if !found {
			// A bare tag: present with an empty-string
			// ("bare") value.
			if err := Validate(tok); err != nil {
				return "", nil, err
			}
			tags[tok] = ""
			continue
		}
		if err := Validate(key); err != nil {
			return "", nil, err
		}
		tags[key] = parseScalar(value)
	}
	return args, tags, nil
}

// parseScalar converts a raw inline-tag value into bool, int, float64
// or string, matching the dynamically-typed tag values described in
// spec.md §3.1. An empty string becomes the bare-tag marker "".
func parseScalar(value string) interface{} {
	if value == "" {
		return ""
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if value == "true" {
		return true
	}
	if value == "false" {
		return false
	}
	return value
}

// Merge overlays inline tags on top of base command-line tags,
// matching the Loader's "merging inline tags over command-line tags"
// rule (spec.md §4.3).
func Merge(base, inline task.Tag) task.Tag {
	merged := make(task.Tag, len(base)+len(inline))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range inline {
		merged[k] = v
	}
	return merged
}
