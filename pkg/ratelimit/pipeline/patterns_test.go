package pipeline

import "testing"

func TestMatchPattern_Literal(t *testing.T) {
	if !matchPattern("/api/users", "/api/users") {
		t.Error("identical literal strings should match")
	}
	if matchPattern("/api/users", "/api/user") {
		t.Error("a literal pattern should not match a shorter path")
	}
}

func TestMatchPattern_SingleStarStopsAtSeparator(t *testing.T) {
	if !matchPattern("/api/*/profile", "/api/42/profile") {
		t.Error("* should match a single path segment")
	}
	if matchPattern("/api/*/profile", "/api/42/43/profile") {
		t.Error("* should not match across a path separator")
	}
}

func TestMatchPattern_DoubleStarCrossesSeparators(t *testing.T) {
	if !matchPattern("/api/**", "/api/v1/users/42") {
		t.Error("** should match across multiple path separators")
	}
	if !matchPattern("/api/**", "/api") {
		t.Error("** should match zero segments too")
	}
}

func TestMatchPattern_QuestionMarkMatchesOneRune(t *testing.T) {
	if !matchPattern("/v?/users", "/v1/users") {
		t.Error("? should match exactly one rune")
	}
	if matchPattern("/v?/users", "/v10/users") {
		t.Error("? should not match two runes")
	}
	if matchPattern("/v?/users", "//users") {
		t.Error("? should not match a path separator")
	}
}

func TestSelectPattern_LongestMatchWins(t *testing.T) {
	patterns := map[string]UrlPatternConfig{
		"/api/**":       {Algorithm: "fixed-window"},
		"/api/users/**": {Algorithm: "token-bucket"},
	}
	glob, cfg, ok := selectPattern(patterns, "/api/users/42")
	if !ok {
		t.Fatal("expected a match")
	}
	if glob != "/api/users/**" || cfg.Algorithm != "token-bucket" {
		t.Errorf("expected the longer, more specific pattern to win, got %q", glob)
	}
}

func TestSelectPattern_TieBreaksLexicographically(t *testing.T) {
	patterns := map[string]UrlPatternConfig{
		"/api/zzz": {Algorithm: "fixed-window"},
		"/api/aaa": {Algorithm: "token-bucket"},
	}
	// Both patterns are the same length and neither matches the other's
	// path; exercise the tie-break branch directly via equal-length globs
	// that both match the same wildcard path.
	patterns = map[string]UrlPatternConfig{
		"/api/zz?": {Algorithm: "fixed-window"},
		"/api/aa?": {Algorithm: "token-bucket"},
	}
	_, _, ok := selectPattern(patterns, "/api/xxY")
	if ok {
		t.Fatal("neither pattern should match an unrelated path")
	}

	tied := map[string]UrlPatternConfig{
		"/api/???": {Algorithm: "fixed-window"},
		"/api/zzz": {Algorithm: "token-bucket"},
	}
	glob, _, ok := selectPattern(tied, "/api/zzz")
	if !ok {
		t.Fatal("expected a match")
	}
	if glob != "/api/???" {
		t.Errorf("expected lexicographically smaller pattern to win the tie, got %q", glob)
	}
}

func TestSelectPattern_NoMatchReturnsFalse(t *testing.T) {
	patterns := map[string]UrlPatternConfig{"/admin/**": {Algorithm: "fixed-window"}}
	if _, _, ok := selectPattern(patterns, "/api/users"); ok {
		t.Error("expected no match for an unrelated path")
	}
}
