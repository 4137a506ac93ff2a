package analysis

import (
	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"

	coreprocessor "github.com/pullsight/internal/core_processor"
)

// FilterIgnored drops files whose path matches any of the repository's
// ignore patterns. Patterns use doublestar syntax, so "vendor/**" matches
// every file below vendor. Invalid patterns are skipped.
func FilterIgnored(files []coreprocessor.PRFile, patterns []string) []coreprocessor.PRFile {
	if len(patterns) == 0 {
		return files
	}
	kept := make([]coreprocessor.PRFile, 0, len(files))
	for _, f := range files {
		if matchesAny(f.Path, patterns) {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

func matchesAny(path string, patterns []string) bool {
	for _, p := range patterns {
		ok, err := doublestar.Match(p, path)
		if err != nil {
			log.Warn().Err(err).Str("pattern", p).Msg("invalid ignore pattern")
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
