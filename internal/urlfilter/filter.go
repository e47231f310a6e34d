// Package urlfilter decides whether a URL is trackable and reduces it to the
// stable key used for aggregation.
package urlfilter

import (
	"net"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Rejection reasons reported in Result.Reason.
const (
	ReasonEmpty      = "empty url"
	ReasonUnparsable = "unparsable url"
	ReasonScheme     = "protected or non-web scheme"
	ReasonNoHost     = "missing host"
	ReasonDenylisted = "denylisted domain"
	ReasonRegexMatch = "matched exclusion pattern"
)

// defaultStripParams are volatile or marketing query parameters that never
// change what page is shown.
var defaultStripParams = []string{
	"fbclid", "gclid", "dclid", "gbraid", "wbraid", "msclkid", "yclid",
	"mc_cid", "mc_eid", "_ga", "_gl", "igshid", "ref_src", "ref", "si",
	"_hsenc", "_hsmi", "mkt_tok",
}

// stripPrefixes match whole parameter families.
var stripPrefixes = []string{"utm_"}

// Result is the outcome of checking one URL.
type Result struct {
	Trackable    bool
	Reason       string
	Normalized   string
	Hostname     string
	ParentDomain string
}

// Options configures a Filter.
type Options struct {
	DenylistDomains []string
	DenylistRegex   []*regexp.Regexp
	StripParams     []string
}

// Filter is safe for concurrent use; it is immutable after New.
type Filter struct {
	denyDomains []string
	denyRegex   []*regexp.Regexp
	strip       map[string]struct{}
}

// New builds a Filter. Domains are matched case-insensitively, including
// subdomains.
func New(opts Options) *Filter {
	f := &Filter{
		denyRegex: opts.DenylistRegex,
		strip:     make(map[string]struct{}),
	}
	for _, d := range opts.DenylistDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			f.denyDomains = append(f.denyDomains, strings.TrimPrefix(d, "."))
		}
	}
	for _, p := range defaultStripParams {
		f.strip[p] = struct{}{}
	}
	for _, p := range opts.StripParams {
		f.strip[strings.ToLower(p)] = struct{}{}
	}
	return f
}

// Check evaluates raw and, when trackable, returns its normalized form.
func (f *Filter) Check(raw string) Result {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{Reason: ReasonEmpty}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Result{Reason: ReasonUnparsable}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Result{Reason: ReasonScheme}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Result{Reason: ReasonNoHost}
	}

	if f.isDenied(host) {
		return Result{Reason: ReasonDenylisted}
	}
	for _, re := range f.denyRegex {
		if re.MatchString(host) {
			return Result{Reason: ReasonRegexMatch}
		}
	}

	return Result{
		Trackable:    true,
		Normalized:   f.normalize(u, scheme, host),
		Hostname:     host,
		ParentDomain: ParentDomain(host),
	}
}

// Trackable reports whether raw passes the filter.
func (f *Filter) Trackable(raw string) bool {
	return f.Check(raw).Trackable
}

func (f *Filter) isDenied(host string) bool {
	for _, d := range f.denyDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (f *Filter) normalize(u *url.URL, scheme, host string) string {
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}

	query := u.Query()
	for key := range query {
		if f.shouldStrip(key) {
			query.Del(key)
		}
	}

	out := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: encodeSorted(query),
	}
	if out.Path == "/" {
		out.Path = ""
		out.RawPath = ""
	}
	return out.String()
}

func (f *Filter) shouldStrip(key string) bool {
	k := strings.ToLower(key)
	if _, ok := f.strip[k]; ok {
		return true
	}
	for _, p := range stripPrefixes {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	return false
}

// encodeSorted encodes values with keys sorted and each key's values kept in
// their original order.
func encodeSorted(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, val := range v[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

// ParentDomain returns the registrable domain (eTLD+1) for host, or host
// itself for IP addresses, single-label hosts and public suffixes.
func ParentDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// Hostname extracts the lowercase hostname from an already normalized URL.
func Hostname(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
