package pipeline

import "strings"

// matchPattern reports whether path matches glob, using conventional
// `?` / `*` / `**` semantics: `?` matches exactly one non-separator rune,
// `*` matches zero or more non-separator runes, and `**` matches zero or
// more runes including `/`. A trailing `/**` also matches the bare prefix,
// so `/api/**` matches `/api`. Matching is anchored at both ends.
func matchPattern(glob, path string) bool {
	return matchSegment([]rune(glob), []rune(path))
}

func matchSegment(g, p []rune) bool {
	for len(g) > 0 {
		if len(p) == 0 && len(g) == 3 && g[0] == '/' && g[1] == '*' && g[2] == '*' {
			return true
		}
		switch g[0] {
		case '*':
			if len(g) > 1 && g[1] == '*' {
				// `**` matches across separators; try every split point.
				rest := g[2:]
				for i := 0; i <= len(p); i++ {
					if matchSegment(rest, p[i:]) {
						return true
					}
				}
				return false
			}
			// single `*` matches zero or more runes up to the next `/`.
			rest := g[1:]
			i := 0
			for {
				if matchSegment(rest, p[i:]) {
					return true
				}
				if i >= len(p) || p[i] == '/' {
					return false
				}
				i++
			}
		case '?':
			if len(p) == 0 || p[0] == '/' {
				return false
			}
			g, p = g[1:], p[1:]
		default:
			if len(p) == 0 || p[0] != g[0] {
				return false
			}
			g, p = g[1:], p[1:]
		}
	}
	return len(p) == 0
}

// selectPattern picks the best matching pattern among the keys of patterns
// for path: longest match wins, ties broken lexicographically (§6). Returns
// ok=false when nothing matches.
func selectPattern(patterns map[string]UrlPatternConfig, path string) (string, UrlPatternConfig, bool) {
	best := ""
	var bestCfg UrlPatternConfig
	found := false
	for glob, cfg := range patterns {
		if !matchPattern(glob, path) {
			continue
		}
		if !found || len(glob) > len(best) || (len(glob) == len(best) && glob < best) {
			best, bestCfg, found = glob, cfg, true
		}
	}
	return best, bestCfg, found
}

// hasGlobMeta reports whether s contains any glob metacharacter, used by
// tests/diagnostics to distinguish literal patterns from globs.
func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?")
}
