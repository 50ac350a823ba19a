package talerconfig

import (
	"errors"
	"strings"
)

// MaxPathSubDepth bounds nested variable resolution.
const MaxPathSubDepth = 10

// ErrPathSubRecursion is returned when variables reference each other too deeply.
var ErrPathSubRecursion = errors.New("recursion in path substitution")

// LookupFunc resolves a variable name. depth is passed back to PathSub when
// the value itself needs substitution.
type LookupFunc func(name string, depth int) (value string, ok bool, err error)

// PathSub expands $VAR, ${VAR} and ${VAR:-default} in x. Unknown variables
// without a default are left in place. Defaults may themselves contain
// references.
func PathSub(x string, lookup LookupFunc, depth int) (string, error) {
	if depth >= MaxPathSubDepth {
		return "", ErrPathSubRecursion
	}

	s := x
	l := 0
	for l < len(s) {
		if s[l] != '$' {
			l++
			continue
		}

		if l+1 < len(s) && s[l+1] == '{' {
			end, name, def, hasDefault, ok := scanBraced(s, l)
			if !ok {
				// Unbalanced braces: keep the rest verbatim.
				break
			}
			r, found, err := lookup(name, depth+1)
			if err != nil {
				return "", err
			}
			if !found && hasDefault {
				r, err = PathSub(def, lookup, depth+1)
				if err != nil {
					return "", err
				}
				found = true
			}
			if found {
				s = s[:l] + r + s[end+1:]
				l += len(r)
				continue
			}
			l = end + 1
			continue
		}

		name := scanName(s[l+1:])
		if name != "" {
			r, found, err := lookup(name, depth+1)
			if err != nil {
				return "", err
			}
			if found {
				s = s[:l] + r + s[l+1+len(name):]
				l += len(r)
				continue
			}
		}
		l++
	}
	return s, nil
}

// scanBraced parses a ${...} reference starting at s[start]. It returns the
// index of the closing brace, the variable name and the optional default.
func scanBraced(s string, start int) (end int, name, def string, hasDefault, ok bool) {
	depth := 1
	for p := start + 2; p < len(s); p++ {
		switch {
		case s[p] == '}':
			depth--
		case s[p] == '$' && p+1 < len(s) && s[p+1] == '{':
			depth++
		}
		if depth == 0 {
			inner := s[start+2 : p]
			if before, after, found := strings.Cut(inner, ":-"); found && !strings.Contains(before, "${") {
				return p, before, after, true, true
			}
			return p, inner, "", false, true
		}
	}
	return 0, "", "", false, false
}

// scanName returns the leading variable name of s, if any.
func scanName(s string) string {
	i := 0
	for i < len(s) {
		ch := s[i]
		isAlpha := ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_' || ch == '-'
		isDigit := ch >= '0' && ch <= '9'
		if !(isAlpha || (i > 0 && isDigit)) {
			break
		}
		i++
	}
	return s[:i]
}
