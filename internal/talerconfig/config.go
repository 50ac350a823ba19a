// Package talerconfig reads and writes the INI-style configuration files
// consumed by the Taler service binaries.
//
// Section and option names are case-insensitive and normalised to upper
// case. Values are stored verbatim: placeholders such as ${TALER_DATA_HOME}
// are resolved by the consuming binary, or by GetPath when the harness itself
// needs a concrete path.
package talerconfig

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a section or option is missing.
var ErrNotFound = errors.New("config option not found")

type option struct {
	name  string
	value string
}

type section struct {
	name    string
	options []*option
	index   map[string]*option
}

// Config is an ordered set of sections, each an ordered set of options.
// Insertion order is preserved so that written files are stable.
type Config struct {
	sections []*section
	index    map[string]*section
}

// New returns an empty configuration.
func New() *Config {
	return &Config{index: make(map[string]*section)}
}

func (c *Config) section(name string, create bool) *section {
	norm := strings.ToUpper(name)
	if s, ok := c.index[norm]; ok {
		return s
	}
	if !create {
		return nil
	}
	s := &section{name: norm, index: make(map[string]*option)}
	c.sections = append(c.sections, s)
	c.index[norm] = s
	return s
}

// SetString sets option in section, creating both as needed.
func (c *Config) SetString(sectionName, optionName, value string) {
	s := c.section(sectionName, true)
	norm := strings.ToUpper(optionName)
	if o, ok := s.index[norm]; ok {
		o.value = value
		return
	}
	o := &option{name: norm, value: value}
	s.options = append(s.options, o)
	s.index[norm] = o
}

// Remove deletes an option. Removing a missing option is a no-op.
func (c *Config) Remove(sectionName, optionName string) {
	s := c.section(sectionName, false)
	if s == nil {
		return
	}
	norm := strings.ToUpper(optionName)
	if _, ok := s.index[norm]; !ok {
		return
	}
	delete(s.index, norm)
	for i, o := range s.options {
		if o.name == norm {
			s.options = append(s.options[:i], s.options[i+1:]...)
			break
		}
	}
}

// Lookup returns the raw value of an option.
func (c *Config) Lookup(sectionName, optionName string) (string, bool) {
	s := c.section(sectionName, false)
	if s == nil {
		return "", false
	}
	o, ok := s.index[strings.ToUpper(optionName)]
	if !ok {
		return "", false
	}
	return o.value, true
}

// GetString returns the raw value of a required option.
func (c *Config) GetString(sectionName, optionName string) (string, error) {
	v, ok := c.Lookup(sectionName, optionName)
	if !ok {
		return "", fmt.Errorf("%w: [%s]/%s", ErrNotFound,
			strings.ToUpper(sectionName), strings.ToUpper(optionName))
	}
	return v, nil
}

// GetNumber returns a required integer option.
func (c *Config) GetNumber(sectionName, optionName string) (int64, error) {
	v, err := c.GetString(sectionName, optionName)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid config value for [%s]/%s, expected number: %w",
			strings.ToUpper(sectionName), strings.ToUpper(optionName), err)
	}
	return n, nil
}

// GetYesNo returns a required yes/no option.
func (c *Config) GetYesNo(sectionName, optionName string) (bool, error) {
	v, err := c.GetString(sectionName, optionName)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(v) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid config value for [%s]/%s, expected yes/no",
		strings.ToUpper(sectionName), strings.ToUpper(optionName))
}

// GetPath returns an option with $VAR references resolved against the
// [PATHS] section and then the environment.
func (c *Config) GetPath(sectionName, optionName string) (string, error) {
	v, err := c.GetString(sectionName, optionName)
	if err != nil {
		return "", err
	}
	return PathSub(v, c.lookupVariable, 0)
}

// lookupVariable resolves a variable name for PathSub. PATHS options are
// themselves substituted; environment values are used verbatim.
func (c *Config) lookupVariable(name string, depth int) (string, bool, error) {
	if v, ok := c.Lookup("PATHS", name); ok {
		r, err := PathSub(v, c.lookupVariable, depth)
		return r, true, err
	}
	if v, ok := os.LookupEnv(name); ok {
		return v, true, nil
	}
	return "", false, nil
}

// Sections returns the normalised section names in insertion order.
func (c *Config) Sections() []string {
	names := make([]string, 0, len(c.sections))
	for _, s := range c.sections {
		names = append(names, s.name)
	}
	return names
}

// Options returns the normalised option names of a section in insertion order.
func (c *Config) Options(sectionName string) []string {
	s := c.section(sectionName, false)
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.options))
	for _, o := range s.options {
		names = append(names, o.name)
	}
	return names
}

// Write serialises the configuration. Every section is followed by a blank line.
func (c *Config) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, s := range c.sections {
		fmt.Fprintf(bw, "[%s]\n", s.name)
		for _, o := range s.options {
			fmt.Fprintf(bw, "%s = %s\n", o.name, o.value)
		}
		bw.WriteString("\n")
	}
	return bw.Flush()
}

// WriteFile writes the configuration to path, creating parent directories.
// The file is replaced atomically so a concurrently starting binary never
// reads a partial file.
func (c *Config) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := c.Write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write config %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod config %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install config %s: %w", path, err)
	}
	return nil
}

var (
	reComment = regexp.MustCompile(`^\s*#.*$`)
	reSection = regexp.MustCompile(`^\s*\[\s*([^\]]*?)\s*\]\s*$`)
	reParam   = regexp.MustCompile(`^\s*([^=]+?)\s*=\s*(.*?)\s*$`)
)

// ParseError reports a malformed configuration line.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid configuration, line %d: %s", e.Line, e.Message)
}

// Parse reads a configuration document.
func Parse(r io.Reader) (*Config, error) {
	c := New()
	var current string

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || reComment.MatchString(line) {
			continue
		}
		if m := reSection.FindStringSubmatch(line); m != nil {
			current = m[1]
			c.section(current, true)
			continue
		}
		if current == "" {
			return nil, &ParseError{Line: lineNo, Message: "expected section header"}
		}
		if m := reParam.FindStringSubmatch(line); m != nil {
			val := m[2]
			if len(val) >= 2 && strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) {
				val = val[1 : len(val)-1]
			}
			c.SetString(current, m[1], val)
			continue
		}
		return nil, &ParseError{Line: lineNo, Message: "expected section header or option assignment"}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	return c, nil
}

// Load reads a configuration file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
