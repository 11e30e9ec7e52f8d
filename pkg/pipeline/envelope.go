package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"appforge/pkg/proto"
)

// ErrEnvelope is returned when a role's output does not match its
// expected tagged-section envelope. The caller treats it as a role
// failure and retries; it is never coerced into a partial result.
var ErrEnvelope = errors.New("malformed role envelope")

// Envelope section tags.
const (
	SectionPlan      = "PLAN"
	SectionSummary   = "SUMMARY"
	SectionVerdict   = "VERDICT"
	SectionIssues    = "ISSUES"
	SectionReasoning = "REASONING"
	SectionAction    = "ACTION"
)

// Envelope is a role's output parsed into tagged sections. A section
// starts at a line of the form `TAG:` (optionally with inline content)
// and runs until the next tag line.
type Envelope struct {
	sections map[string]string
	order    []string
}

// ParseEnvelope splits content into tagged sections. Text before the
// first tag is ignored; output with no tags at all is malformed.
func ParseEnvelope(content string) (*Envelope, error) {
	env := &Envelope{sections: make(map[string]string)}

	var current string
	var buf []string
	flush := func() {
		if current != "" {
			env.sections[current] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
		buf = nil
	}

	for _, line := range strings.Split(content, "\n") {
		tag, rest, ok := splitTagLine(line)
		if ok {
			flush()
			current = tag
			env.order = append(env.order, tag)
			if rest != "" {
				buf = append(buf, rest)
			}
			continue
		}
		if current != "" {
			buf = append(buf, line)
		}
	}
	flush()

	if len(env.sections) == 0 {
		return nil, fmt.Errorf("%w: no tagged sections found", ErrEnvelope)
	}
	return env, nil
}

// splitTagLine matches `TAG:` or `TAG: inline content` where TAG is
// all-caps with optional underscores.
func splitTagLine(line string) (tag, rest string, ok bool) {
	trimmed := strings.TrimSpace(line)
	colon := strings.Index(trimmed, ":")
	if colon < 2 {
		return "", "", false
	}
	candidate := trimmed[:colon]
	for _, r := range candidate {
		if (r < 'A' || r > 'Z') && r != '_' {
			return "", "", false
		}
	}
	return candidate, strings.TrimSpace(trimmed[colon+1:]), true
}

// Section returns the content of a tag.
func (e *Envelope) Section(tag string) (string, bool) {
	v, ok := e.sections[tag]
	return v, ok
}

// Require returns the content of a tag, or a wrapped ErrEnvelope when
// the section is absent or empty.
func (e *Envelope) Require(tag string) (string, error) {
	v, ok := e.sections[tag]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing %s section", ErrEnvelope, tag)
	}
	return v, nil
}

// Verdict parses the VERDICT section against the closed verdict set.
func (e *Envelope) Verdict() (proto.Verdict, error) {
	raw, err := e.Require(SectionVerdict)
	if err != nil {
		return "", err
	}
	v, err := proto.ParseVerdict(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	return v, nil
}

// Issues returns the ISSUES section as a list, one entry per bullet
// line. An absent section is an empty list, not an error.
func (e *Envelope) Issues() []string {
	raw, ok := e.sections[SectionIssues]
	if !ok {
		return nil
	}
	var issues []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		if line != "" && line != "-" {
			issues = append(issues, line)
		}
	}
	return issues
}
