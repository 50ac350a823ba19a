package runner

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sync"
	"time"
)

// DefaultTimeout bounds a test case that sets no timeout of its own.
const DefaultTimeout = 60 * time.Second

// TestMainFunc is the body of a test case. Returning nil passes the test.
type TestMainFunc func(ctx context.Context, t *T) error

// TestCase is a registered integration test.
type TestCase struct {
	Name string
	Main TestMainFunc

	// Suites the test belongs to; selecting a suite runs it.
	Suites []string

	// ExcludeByDefault keeps the test out of runs that name no suite.
	ExcludeByDefault bool

	// Timeout overrides DefaultTimeout.
	Timeout time.Duration
}

func (tc TestCase) timeout() time.Duration {
	if tc.Timeout > 0 {
		return tc.Timeout
	}
	return DefaultTimeout
}

// Registry holds the test cases in registration order.
type Registry struct {
	mu    sync.Mutex
	cases []TestCase
	names map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register adds tc. Names must be unique and usable as directory names.
func (r *Registry) Register(tc TestCase) error {
	if tc.Name == "" {
		return errors.New("test case has no name")
	}
	if tc.Name != path.Base(tc.Name) || tc.Name == "." || tc.Name == ".." {
		return fmt.Errorf("test case name %q is not a plain name", tc.Name)
	}
	if tc.Main == nil {
		return fmt.Errorf("test case %s has no main function", tc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[tc.Name]; ok {
		return fmt.Errorf("test case %s registered twice", tc.Name)
	}
	r.names[tc.Name] = struct{}{}
	r.cases = append(r.cases, tc)
	return nil
}

// All returns every registered test case.
func (r *Registry) All() []TestCase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.cases)
}

// Select returns the test cases a run should execute. A non-empty include
// glob must match the name. When suites are given, a test must belong to
// one of them; otherwise tests excluded by default are left out.
func (r *Registry) Select(include string, suites []string) ([]TestCase, error) {
	if include != "" {
		if _, err := path.Match(include, ""); err != nil {
			return nil, fmt.Errorf("bad include pattern %q: %w", include, err)
		}
	}

	var selected []TestCase
	for _, tc := range r.All() {
		if include != "" {
			if ok, _ := path.Match(include, tc.Name); !ok {
				continue
			}
		}
		if len(suites) > 0 {
			if !slices.ContainsFunc(tc.Suites, func(s string) bool { return slices.Contains(suites, s) }) {
				continue
			}
		} else if tc.ExcludeByDefault {
			continue
		}
		selected = append(selected, tc)
	}
	return selected, nil
}
