package adblock

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher holds a compiled rule set. The zero value matches nothing.
type Matcher struct {
	mu      sync.RWMutex
	domains map[string]struct{}
	globs   []string
}

// NewMatcher returns an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{domains: make(map[string]struct{})}
}

// Parse builds a matcher from a rule list.
func Parse(r io.Reader) (*Matcher, error) {
	m := NewMatcher()
	if err := m.Replace(r); err != nil {
		return nil, err
	}
	return m, nil
}

// Replace swaps the current rules for the ones read from r. On error the
// current rules are kept.
func (m *Matcher) Replace(r io.Reader) error {
	domains := make(map[string]struct{})
	var globs []string

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		rule, isGlob, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if isGlob {
			if !doublestar.ValidatePattern(rule) {
				return fmt.Errorf("line %d: invalid pattern %q", line, rule)
			}
			globs = append(globs, rule)
			continue
		}
		domains[rule] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read rules: %w", err)
	}

	m.mu.Lock()
	m.domains = domains
	m.globs = globs
	m.mu.Unlock()
	return nil
}

func parseLine(raw string) (rule string, glob bool, ok bool) {
	s := strings.TrimSpace(raw)
	if s == "" || s[0] == '#' || s[0] == '!' {
		return "", false, false
	}

	if fields := strings.Fields(s); len(fields) >= 2 && (fields[0] == "0.0.0.0" || fields[0] == "127.0.0.1") {
		s = fields[1]
	}

	if strings.HasPrefix(s, "||") {
		s = strings.TrimSuffix(strings.TrimPrefix(s, "||"), "^")
	}

	s = strings.ToLower(s)
	if strings.ContainsAny(s, "*?[{/") {
		return s, true, true
	}
	if s == "localhost" || s == "" {
		return "", false, false
	}
	return s, false, true
}

// Len returns the number of loaded rules.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.domains) + len(m.globs)
}

// Match reports whether rawURL is covered by any rule.
func (m *Matcher) Match(rawURL string) bool {
	if m == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for h := host; h != ""; {
		if _, ok := m.domains[h]; ok {
			return true
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			break
		}
		h = h[i+1:]
	}

	if len(m.globs) == 0 {
		return false
	}
	target := host + u.EscapedPath()
	for _, g := range m.globs {
		if ok, _ := doublestar.Match(g, target); ok {
			return true
		}
	}
	return false
}
