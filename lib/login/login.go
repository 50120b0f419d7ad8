// Package login classifies a completed response as authenticated or not.
// It gates every search and user-info request: a session that expired
// must surface as needLogin, never as a parse failure.
package login

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"ptengine/lib/ruleset"
	"ptengine/lib/textutil"
	"ptengine/lib/transport"
)

// ErrNeedLogin is returned by entry points whose gating request turned
// out to be unauthenticated.
var ErrNeedLogin = errors.New("need login")

// defaultPatterns match the URLs trackers bounce unauthenticated sessions
// to.
var defaultPatterns = []string{
	`(?i)/login`,
	`(?i)/signin`,
	`(?i)/verify`,
	`(?i)/checkpoint`,
	`(?i)/takelogin`,
}

const defaultMinBodyBytes = 1024

var refreshURLRegex = regexp.MustCompile(`(?i)^\s*\d+\s*;\s*url\s*=\s*(.+)$`)

// Detector holds the compiled heuristics for one site.
type Detector struct {
	public       bool
	patterns     []*regexp.Regexp
	strict       bool
	markers      []string
	minBodyBytes int
}

// NewDetector compiles the site's login rule. A nil rule yields the
// default private-tracker heuristics; rule.Public disables detection
// entirely for open sites.
func NewDetector(rule *ruleset.LoginRule) (*Detector, error) {
	d := &Detector{minBodyBytes: defaultMinBodyBytes}

	raw := defaultPatterns
	if rule != nil {
		d.public = rule.Public
		d.strict = rule.Strict
		d.markers = rule.Markers
		if rule.MinBodyBytes > 0 {
			d.minBodyBytes = rule.MinBodyBytes
		}
		if len(rule.CheckPatterns) > 0 {
			raw = rule.CheckPatterns
		}
	}
	for _, p := range raw {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: login pattern %q: %s", ruleset.ErrConfig, p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

// LoggedIn inspects the final URL, the Refresh header, and (in strict
// mode) the body, in that order. Any positive heuristic means the
// session is not authenticated.
func (d *Detector) LoggedIn(res *transport.Response) bool {
	if d.public {
		return true
	}
	if res == nil {
		return false
	}

	if d.matchesLoginURL(res.FinalURL) {
		return false
	}

	if refresh := res.Header.Get("Refresh"); refresh != "" {
		if m := refreshURLRegex.FindStringSubmatch(refresh); m != nil {
			if d.matchesLoginURL(strings.TrimSpace(m[1])) {
				return false
			}
		}
	}

	if d.strict {
		if len(res.Body) == 0 {
			return false
		}
		if len(res.Body) < d.minBodyBytes && d.containsMarker(res.Body) {
			return false
		}
	}

	return true
}

func (d *Detector) matchesLoginURL(u string) bool {
	if u == "" {
		return false
	}
	for _, re := range d.patterns {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}

func (d *Detector) containsMarker(body []byte) bool {
	if len(d.markers) == 0 {
		return false
	}
	return textutil.ContainsAny(string(body), d.markers)
}
