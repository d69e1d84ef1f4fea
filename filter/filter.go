package filter

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultArchivePatterns matches a case-insensitive ".zip" extension.
var DefaultArchivePatterns = []string{`(?i)\.zip$`}

// Options captures the archive detection configuration.
type Options struct {
	ArchivePatterns []string
}

// Filter decides by file name alone whether a saved attachment is an
// archive container. File contents are never inspected.
type Filter struct {
	archive []*regexp.Regexp
}

// New creates a new Filter from the provided options. An empty pattern list
// falls back to DefaultArchivePatterns.
func New(opts Options) (*Filter, error) {
	patterns := opts.ArchivePatterns
	if len(patterns) == 0 {
		patterns = DefaultArchivePatterns
	}
	archive, err := compilePatterns(patterns)
	if err != nil {
		return nil, fmt.Errorf("compile archive pattern: %w", err)
	}
	if len(archive) == 0 {
		return nil, fmt.Errorf("no archive pattern left after trimming")
	}
	return &Filter{archive: archive}, nil
}

// IsArchive reports whether the extension of name matches an archive pattern.
func (f *Filter) IsArchive(name string) bool {
	return matchAny(f.archive, filepath.Ext(name))
}

// Patterns returns the compiled pattern sources.
func (f *Filter) Patterns() []string {
	out := make([]string, 0, len(f.archive))
	for _, re := range f.archive {
		out = append(out, re.String())
	}
	return out
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
