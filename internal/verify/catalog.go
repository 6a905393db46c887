package verify

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/ship-commander/mlaunch/internal/launcherr"
	"gopkg.in/yaml.v3"
)

// Catalog holds user-supplied patterns keyed by platform name.
type Catalog map[string]PlatformPatterns

// PlatformPatterns is one platform's entry in a catalog file.
type PlatformPatterns struct {
	Failure []CatalogEntry `yaml:"failure"`
	Success []string       `yaml:"success"`
}

// CatalogEntry is one failure pattern as written in YAML. Kind accepts a
// stable kind name or a numeric code.
type CatalogEntry struct {
	Literal string `yaml:"literal"`
	Regexp  string `yaml:"regexp"`
	Kind    string `yaml:"kind"`
}

// LoadCatalog reads a YAML pattern catalog. A missing file yields an empty catalog.
func LoadCatalog(path string) (Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Catalog{}, nil
	}
	// #nosec G304 -- path comes from the user's own configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Catalog{}, nil
		}
		return nil, fmt.Errorf("read pattern catalog %q: %w", path, err)
	}
	catalog, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("parse pattern catalog %q: %w", path, err)
	}
	return catalog, nil
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (Catalog, error) {
	var raw map[string]PlatformPatterns
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	catalog := make(Catalog, len(raw))
	for platform, patterns := range raw {
		key := normalizePlatform(platform)
		for i, entry := range patterns.Failure {
			if _, err := entry.pattern(); err != nil {
				return nil, fmt.Errorf("%s.failure[%d]: %w", key, i, err)
			}
		}
		catalog[key] = patterns
	}
	return catalog, nil
}

// Failures returns the compiled failure patterns for platform.
func (c Catalog) Failures(platform string) []FailurePattern {
	entries := c[normalizePlatform(platform)].Failure
	out := make([]FailurePattern, 0, len(entries))
	for _, entry := range entries {
		// Entries were validated by ParseCatalog.
		if pattern, err := entry.pattern(); err == nil {
			out = append(out, pattern)
		}
	}
	return out
}

// Successes returns the extra success patterns for platform.
func (c Catalog) Successes(platform string) []string {
	return append([]string(nil), c[normalizePlatform(platform)].Success...)
}

func (e CatalogEntry) pattern() (FailurePattern, error) {
	kind, err := parseKind(e.Kind)
	if err != nil {
		return FailurePattern{}, err
	}
	switch {
	case e.Literal != "" && e.Regexp != "":
		return FailurePattern{}, errors.New("set either literal or regexp, not both")
	case e.Literal != "":
		return Literal(e.Literal, kind), nil
	case e.Regexp != "":
		expr, err := regexp.Compile(e.Regexp)
		if err != nil {
			return FailurePattern{}, fmt.Errorf("compile regexp: %w", err)
		}
		return FailurePattern{Expr: expr, Kind: kind}, nil
	default:
		return FailurePattern{}, errors.New("literal or regexp is required")
	}
}

func parseKind(value string) (launcherr.Kind, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("kind is required")
	}
	if kind, ok := launcherr.KindByName(value); ok {
		return kind, nil
	}
	if code, err := strconv.Atoi(value); err == nil && code > 0 {
		return launcherr.Kind(code), nil
	}
	return 0, fmt.Errorf("unknown kind %q", value)
}

func normalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}
