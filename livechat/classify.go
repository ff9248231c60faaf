package livechat

import (
	"fmt"
	"regexp"
)

// Outcome is the classification of a response that carried no chat content.
type Outcome int

const (
	// OutcomeEnded is a normal end of stream.
	OutcomeEnded Outcome = iota
	OutcomeDisabled
	OutcomeMembersOnly
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDisabled:
		return "disabled"
	case OutcomeMembersOnly:
		return "members_only"
	default:
		return "ended"
	}
}

// TextClassifier decides what a content-less response means from its human-readable
// message. The remote offers no structured reason code.
type TextClassifier interface {
	Classify(text string) Outcome
}

// Default patterns matched case-insensitively against the reason text.
var (
	DefaultDisabledPatterns = []string{
		`chat is disabled`,
		`is disabled for this (live stream|video)`,
		`chat replay is disabled`,
		`chat is (currently )?unavailable`,
	}
	DefaultMembersOnlyPatterns = []string{
		`recording is not available`,
		`members[- ]only`,
		`available to (this channel's )?members`,
		`join this channel to get access`,
	}
)

// PatternClassifier matches reason text against regular expressions. Disabled
// patterns are checked before members-only ones.
type PatternClassifier struct {
	disabled    []*regexp.Regexp
	membersOnly []*regexp.Regexp
}

// NewPatternClassifier compiles the given patterns (case-insensitive).
func NewPatternClassifier(disabled, membersOnly []string) (*PatternClassifier, error) {
	pc := &PatternClassifier{}
	var err error
	if pc.disabled, err = compileAll(disabled); err != nil {
		return nil, err
	}
	if pc.membersOnly, err = compileAll(membersOnly); err != nil {
		return nil, err
	}
	return pc, nil
}

// DefaultClassifier returns a PatternClassifier with the default patterns.
func DefaultClassifier() *PatternClassifier {
	pc, err := NewPatternClassifier(DefaultDisabledPatterns, DefaultMembersOnlyPatterns)
	if err != nil {
		panic(err)
	}
	return pc
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (pc *PatternClassifier) Classify(text string) Outcome {
	if text == "" {
		return OutcomeEnded
	}
	for _, re := range pc.disabled {
		if re.MatchString(text) {
			return OutcomeDisabled
		}
	}
	for _, re := range pc.membersOnly {
		if re.MatchString(text) {
			return OutcomeMembersOnly
		}
	}
	return OutcomeEnded
}
