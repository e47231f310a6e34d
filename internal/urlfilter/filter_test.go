package urlfilter

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck_RejectsUntrackable(t *testing.T) {
	f := New(Options{
		DenylistDomains: []string{"chase.com", " .Bank.example "},
		DenylistRegex:   []*regexp.Regexp{regexp.MustCompile(`\.xxx$`)},
	})

	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"empty", "   ", ReasonEmpty},
		{"unparsable", "http://[::1", ReasonUnparsable},
		{"chrome internal", "chrome://settings", ReasonScheme},
		{"extension page", "chrome-extension://abcdef/popup.html", ReasonScheme},
		{"about blank", "about:blank", ReasonScheme},
		{"file", "file:///etc/hosts", ReasonScheme},
		{"no host", "https:///path", ReasonNoHost},
		{"denylisted exact", "https://chase.com/login", ReasonDenylisted},
		{"denylisted subdomain", "https://secure.chase.com/", ReasonDenylisted},
		{"denylisted normalized entry", "https://www.bank.example/", ReasonDenylisted},
		{"regex", "https://site.xxx/", ReasonRegexMatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := f.Check(tt.raw)
			assert.False(t, r.Trackable)
			assert.Equal(t, tt.reason, r.Reason)
			assert.Empty(t, r.Normalized)
		})
	}
}

func TestCheck_DenylistDoesNotMatchSuffixWithoutDot(t *testing.T) {
	f := New(Options{DenylistDomains: []string{"chase.com"}})
	assert.True(t, f.Trackable("https://notchase.com/"))
}

func TestCheck_Normalizes(t *testing.T) {
	f := New(Options{StripParams: []string{"session"}})

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"drops fragment", "https://example.com/a#section", "https://example.com/a"},
		{"drops default https port", "https://example.com:443/a", "https://example.com/a"},
		{"drops default http port", "http://example.com:80/a", "http://example.com/a"},
		{"keeps custom port", "http://example.com:8080/a", "http://example.com:8080/a"},
		{"drops root slash", "https://example.com/", "https://example.com"},
		{"strips utm family", "https://example.com/a?utm_source=x&utm_medium=y&id=3", "https://example.com/a?id=3"},
		{"strips click ids", "https://example.com/a?fbclid=1&gclid=2", "https://example.com/a"},
		{"strips configured param", "https://example.com/a?session=abc&q=go", "https://example.com/a?q=go"},
		{"sorts params", "https://example.com/s?b=2&a=1", "https://example.com/s?a=1&b=2"},
		{"keeps repeated values in order", "https://example.com/s?t=z&t=a", "https://example.com/s?t=z&t=a"},
		{"drops user info", "https://user:pw@example.com/a", "https://example.com/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := f.Check(tt.raw)
			assert.True(t, r.Trackable, "reason: %s", r.Reason)
			assert.Equal(t, tt.want, r.Normalized)
		})
	}
}

func TestCheck_SameKeyForMarketingVariants(t *testing.T) {
	f := New(Options{})
	a := f.Check("https://news.example.com/story?id=7&utm_campaign=spring")
	b := f.Check("https://news.example.com/story?id=7&fbclid=abc#comments")
	assert.Equal(t, a.Normalized, b.Normalized)
}

func TestCheck_HostnameAndParentDomain(t *testing.T) {
	f := New(Options{})
	r := f.Check("https://docs.github.com/en/get-started")
	assert.Equal(t, "docs.github.com", r.Hostname)
	assert.Equal(t, "github.com", r.ParentDomain)
}

func TestParentDomain(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"www.bbc.co.uk", "bbc.co.uk"},
		{"a.b.example.com", "example.com"},
		{"example.com", "example.com"},
		{"localhost", "localhost"},
		{"127.0.0.1", "127.0.0.1"},
		{"WWW.Example.COM.", "example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, ParentDomain(tt.host))
		})
	}
}

func TestHostname(t *testing.T) {
	assert.Equal(t, "example.com", Hostname("https://example.com/a?b=c"))
	assert.Equal(t, "example.com", Hostname("http://example.com:8080/"))
	assert.Empty(t, Hostname("::not a url"))
}
