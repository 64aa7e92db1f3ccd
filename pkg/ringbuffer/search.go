package ringbuffer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/core-tools/hsu-stdio-procman/pkg/errors"
)

// SearchType selects how a pattern is matched against lines
type SearchType string

const (
	// SearchString matches lines containing the pattern
	SearchString SearchType = "string"

	// SearchRegex matches lines where the regular expression finds a match anywhere
	SearchRegex SearchType = "regex"

	// SearchWildcard matches the whole trimmed line against a shell glob (*, ?, [seq], [!seq])
	SearchWildcard SearchType = "wildcard"
)

// ParseSearchType validates a caller-supplied search type name
func ParseSearchType(s string) (SearchType, error) {
	switch SearchType(s) {
	case SearchString, SearchRegex, SearchWildcard:
		return SearchType(s), nil
	default:
		return "", errors.NewInvalidPatternError(
			fmt.Sprintf("invalid search type '%s': must be 'string', 'regex', or 'wildcard'", s), nil,
		).WithContext("search_type", s)
	}
}

// Match is a line selected by a search together with its buffer position
type Match struct {
	// Index is the position in the buffer at search time, 0 being the oldest retained line
	Index int  `json:"index"`
	Line  Line `json:"line"`
}

// Matcher is a compiled search. Build one per call with Compile.
type Matcher struct {
	searchType SearchType
	pattern    string
	re         *regexp.Regexp
}

// Compile validates pattern for searchType and prepares it for matching.
// Wildcard patterns are translated to an anchored regular expression here, once.
func Compile(searchType SearchType, pattern string) (*Matcher, error) {
	if pattern == "" {
		return nil, errors.NewInvalidPatternError("search pattern cannot be empty", nil).
			WithContext("search_type", string(searchType))
	}

	m := &Matcher{searchType: searchType, pattern: pattern}

	switch searchType {
	case SearchString:
		return m, nil

	case SearchRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.NewInvalidPatternError("invalid regex pattern", err).WithContext("pattern", pattern)
		}
		m.re = re
		return m, nil

	case SearchWildcard:
		expr, err := wildcardToRegex(pattern)
		if err != nil {
			return nil, errors.NewInvalidPatternError("invalid wildcard pattern", err).WithContext("pattern", pattern)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, errors.NewInvalidPatternError("invalid wildcard pattern", err).WithContext("pattern", pattern)
		}
		m.re = re
		return m, nil

	default:
		_, err := ParseSearchType(string(searchType))
		return nil, err
	}
}

func (m *Matcher) SearchType() SearchType {
	return m.searchType
}

func (m *Matcher) Pattern() string {
	return m.pattern
}

// MatchString reports whether text is selected by the matcher
func (m *Matcher) MatchString(text string) bool {
	switch m.searchType {
	case SearchString:
		return strings.Contains(text, m.pattern)
	case SearchWildcard:
		return m.re.MatchString(strings.TrimSpace(text))
	default:
		return m.re.MatchString(text)
	}
}

// Search scans from newest to oldest and keeps up to maxResults matches
// (maxResults <= 0 keeps all). Matches are returned oldest first.
func (rb *RingBuffer) Search(matcher *Matcher, maxResults int) []Match {
	lines := rb.snapshot()

	var matches []Match
	for i := len(lines) - 1; i >= 0; i-- {
		if !matcher.MatchString(lines[i].Text) {
			continue
		}
		matches = append(matches, Match{Index: i, Line: lines[i]})
		if maxResults > 0 && len(matches) >= maxResults {
			break
		}
	}

	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}
	return matches
}

// SearchPattern compiles and runs a search in one call
func (rb *RingBuffer) SearchPattern(searchType SearchType, pattern string, maxResults int) ([]Match, error) {
	matcher, err := Compile(searchType, pattern)
	if err != nil {
		return nil, err
	}
	return rb.Search(matcher, maxResults), nil
}

// wildcardToRegex translates fnmatch-style globs. An unterminated '[' is rejected.
func wildcardToRegex(pattern string) (string, error) {
	var sb strings.Builder
	sb.WriteString("^(?s:")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch c := runes[i]; c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '[':
			end := closingBracket(runes, i)
			if end < 0 {
				return "", fmt.Errorf("unterminated character class at offset %d", i)
			}
			sb.WriteString(bracketClass(runes[i+1 : end]))
			i = end
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	sb.WriteString(")$")
	return sb.String(), nil
}

// closingBracket returns the index of the ']' closing the class opened at open, or -1.
// A ']' directly after '[' or '[!' is a literal member.
func closingBracket(runes []rune, open int) int {
	j := open + 1
	if j < len(runes) && runes[j] == '!' {
		j++
	}
	if j < len(runes) && runes[j] == ']' {
		j++
	}
	for ; j < len(runes); j++ {
		if runes[j] == ']' {
			return j
		}
	}
	return -1
}

func bracketClass(body []rune) string {
	var sb strings.Builder
	sb.WriteString("[")

	if len(body) > 0 && body[0] == '!' {
		sb.WriteString("^")
		body = body[1:]
	}

	for _, c := range body {
		switch c {
		case '\\', '[', ']', '^':
			sb.WriteRune('\\')
			sb.WriteRune(c)
		default:
			sb.WriteRune(c)
		}
	}

	sb.WriteString("]")
	return sb.String()
}
