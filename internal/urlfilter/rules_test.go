package urlfilter

import (
	"testing"
)

// =============================================================================
// Checker Tests
// =============================================================================

func TestNewChecker(t *testing.T) {
	tests := []struct {
		name      string
		targetURL string
		rules     Rules
		wantErr   bool
	}{
		{"valid URL", "https://example.com", Rules{}, false},
		{"schemeless", "//example.com:8080/", Rules{SameSite: true}, false},
		{"invalid URL", "://invalid", Rules{}, true},
		{"invalid include", "https://example.com", Rules{IncludePatterns: []string{`[invalid`}}, true},
		{"invalid exclude", "https://example.com", Rules{ExcludePatterns: []string{`[invalid`}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChecker(tt.targetURL, tt.rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewChecker() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChecker_IsInScope(t *testing.T) {
	tests := []struct {
		name      string
		targetURL string
		rules     Rules
		checkURL  string
		want      bool
	}{
		{"same domain", "https://example.com", Rules{}, "https://example.com/page", true},
		{"other domain", "https://example.com", Rules{}, "https://other.com/page", false},
		{"other domain with FollowExternal", "https://example.com", Rules{FollowExternal: true}, "https://other.com/page", true},
		{"subdomain", "https://example.com", Rules{}, "https://sub.example.com/page", true},
		{"port ignored for host match", "http://localhost:9090/", Rules{}, "http://localhost:9090/a", true},
		{"sibling without SameSite", "https://www.example.co.uk", Rules{}, "https://shop.example.co.uk/", false},
		{"sibling with SameSite", "https://www.example.co.uk", Rules{SameSite: true}, "https://shop.example.co.uk/", true},
		{"public suffix neighbour", "https://www.example.co.uk", Rules{SameSite: true}, "https://other.co.uk/", false},
		{"exclude pattern", "https://example.com", Rules{ExcludePatterns: []string{`.*logout.*`}}, "https://example.com/logout", false},
		{"include match", "https://example.com", Rules{IncludePatterns: []string{`.*api.*`}}, "https://example.com/api/users", true},
		{"include miss", "https://example.com", Rules{IncludePatterns: []string{`.*api.*`}}, "https://example.com/about", false},
		{"skip extension", "https://example.com", Rules{SkipExtensions: DefaultSkipExtensions}, "https://example.com/logo.PNG", false},
		{"allowed domain", "https://example.com", Rules{AllowedDomains: []string{"trusted.com"}}, "https://trusted.com/page", true},
		{"mailto", "https://example.com", Rules{}, "mailto:user@example.com", false},
		{"invalid", "https://example.com", Rules{}, "://invalid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker, err := NewChecker(tt.targetURL, tt.rules)
			if err != nil {
				t.Fatalf("NewChecker() error = %v", err)
			}

			if got := checker.IsInScope(tt.checkURL); got != tt.want {
				t.Errorf("IsInScope(%s) = %v, want %v", tt.checkURL, got, tt.want)
			}
		})
	}
}

func TestChecker_Filter(t *testing.T) {
	checker, err := NewChecker("http://h/", Rules{ExcludePatterns: []string{`/private`}})
	if err != nil {
		t.Fatalf("NewChecker() error = %v", err)
	}

	got, ok, err := Apply(checker.Filter(), "/public", "http://h/")
	if err != nil || !ok || got != "http://h/public" {
		t.Errorf("Apply(public) = %q, %v, %v", got, ok, err)
	}

	_, ok, err = Apply(checker.Filter(), "/private/x", "http://h/")
	if err != nil || ok {
		t.Errorf("Apply(private) ok = %v, err = %v", ok, err)
	}
}

func TestChecker_AddAllowedDomain(t *testing.T) {
	checker, _ := NewChecker("https://example.com", Rules{})

	if checker.IsInScope("https://trusted.com/page") {
		t.Error("trusted.com should not be in scope initially")
	}

	checker.AddAllowedDomain("TRUSTED.com")

	if !checker.IsInScope("https://trusted.com/page") {
		t.Error("trusted.com should be in scope after adding")
	}
}

func TestChecker_AddExcludePattern(t *testing.T) {
	checker, _ := NewChecker("https://example.com", Rules{})

	if err := checker.AddExcludePattern(`/admin`); err != nil {
		t.Fatalf("AddExcludePattern() error = %v", err)
	}
	if checker.IsInScope("https://example.com/admin/users") {
		t.Error("/admin should be excluded")
	}
	if err := checker.AddExcludePattern(`[invalid`); err == nil {
		t.Error("AddExcludePattern() should reject invalid regex")
	}
}

// =============================================================================
// RuleBuilder Tests
// =============================================================================

func TestRuleBuilder(t *testing.T) {
	rules := NewRuleBuilder().
		WithIncludePatterns(`.*api.*`).
		WithExcludePatterns(`.*logout.*`).
		WithAllowedDomains("api.example.com").
		WithSameSite(true).
		WithFollowExternal(false).
		Build()

	if len(rules.IncludePatterns) != 1 {
		t.Errorf("IncludePatterns length = %d, want 1", len(rules.IncludePatterns))
	}
	if len(rules.ExcludePatterns) != 1 {
		t.Errorf("ExcludePatterns length = %d, want 1", len(rules.ExcludePatterns))
	}
	if len(rules.AllowedDomains) != 1 {
		t.Errorf("AllowedDomains length = %d, want 1", len(rules.AllowedDomains))
	}
	if !rules.SameSite {
		t.Error("SameSite should be true")
	}
	if rules.IsZero() {
		t.Error("IsZero() should be false")
	}
	if !(Rules{}).IsZero() {
		t.Error("empty rules should be zero")
	}
}

func TestRuleBuilder_WithDefaultExcludes(t *testing.T) {
	rules := NewRuleBuilder().WithDefaultExcludes().Build()

	if len(rules.ExcludePatterns) != len(DefaultExcludePatterns) {
		t.Errorf("ExcludePatterns length = %d, want %d", len(rules.ExcludePatterns), len(DefaultExcludePatterns))
	}
	if len(rules.SkipExtensions) != len(DefaultSkipExtensions) {
		t.Errorf("SkipExtensions length = %d, want %d", len(rules.SkipExtensions), len(DefaultSkipExtensions))
	}
}
