// Package robots parses robots.txt content into allow/disallow rules and
// answers whether an agent may fetch a URL.
package robots

import (
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Wildcard is the agent name that applies to every crawler.
const Wildcard = "*"

// LocalAgent names the synthetic group that holds rules from a local override
// file. It is consulted after the exact agent and the wildcard.
const LocalAgent = "sitesearch-local-override"

// Decision is the outcome of evaluating a path against one agent group.
type Decision int

// Possible decisions. NoComment means no rule in the group matched.
const (
	NoComment Decision = iota
	Allow
	Disallow
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Disallow:
		return "disallow"
	default:
		return "no-comment"
	}
}

// Rule is a compiled allow or disallow pattern.
type Rule struct {
	Pattern     string
	Specificity int
	re          *regexp.Regexp
}

// NewRule compiles a robots path pattern. '*' matches any run of characters
// and a trailing '$' anchors the pattern to the end of the path.
func NewRule(pattern string) Rule {
	body := pattern
	anchored := strings.HasSuffix(body, "$")
	if anchored {
		body = strings.TrimSuffix(body, "$")
	}
	var b strings.Builder
	b.WriteString("^")
	for i, part := range strings.Split(body, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	if anchored {
		b.WriteString("$")
	}
	return Rule{
		Pattern:     pattern,
		Specificity: len(pattern),
		re:          regexp.MustCompile(b.String()),
	}
}

// Matches reports whether the rule covers path. The match must end at the end
// of the path or at a '/' boundary, unless the rule itself ends with '/'.
func (r Rule) Matches(path string) bool {
	loc := r.re.FindStringIndex(path)
	if loc == nil {
		return false
	}
	end := loc[1]
	return end == len(path) || strings.HasSuffix(r.Pattern, "/") || path[end] == '/'
}

// Agent is the rule group for one user-agent name.
type Agent struct {
	Allow      []Rule
	Disallow   []Rule
	CrawlDelay uint32
}

// Decide evaluates path against the group. On equal specificity disallow wins.
func (a *Agent) Decide(path string) Decision {
	allow := bestMatch(a.Allow, path)
	disallow := bestMatch(a.Disallow, path)
	switch {
	case allow < 0 && disallow < 0:
		return NoComment
	case allow > disallow:
		return Allow
	default:
		return Disallow
	}
}

func bestMatch(rules []Rule, path string) int {
	best := -1
	for _, r := range rules {
		if r.Specificity > best && r.Matches(path) {
			best = r.Specificity
		}
	}
	return best
}

// Policy is a parsed robots file.
type Policy struct {
	Host     string
	Sitemaps map[string]struct{}
	Agents   map[string]*Agent
}

// Empty returns a policy with no rules, which allows everything.
func Empty() *Policy {
	return &Policy{
		Sitemaps: make(map[string]struct{}),
		Agents:   make(map[string]*Agent),
	}
}

// Merge concatenates remote robots content with a local override file. Rules
// in the override that precede any user-agent line belong to LocalAgent.
func Merge(remote, local string) string {
	if strings.TrimSpace(local) == "" {
		return remote
	}
	return remote + "\nuser-agent:\nuser-agent: " + LocalAgent + "\n" + local
}

// Decide walks the lookup chain for agent: the exact name, then the wildcard,
// then the local override group. NoComment from all of them means allowed.
func (p *Policy) Decide(agent, path string) Decision {
	for _, name := range []string{strings.ToLower(agent), Wildcard, LocalAgent} {
		group, ok := p.Agents[name]
		if !ok {
			continue
		}
		if d := group.Decide(path); d != NoComment {
			return d
		}
	}
	return NoComment
}

// Allowed reports whether agent may fetch rawURL. Only the path is evaluated.
func (p *Policy) Allowed(agent, rawURL string) bool {
	if p == nil {
		return true
	}
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.EscapedPath()
	}
	if path == "" {
		path = "/"
	}
	return p.Decide(agent, path) != Disallow
}

// CrawlDelay returns the delay requested by agent's own group, or by the
// wildcard group when the agent has none.
func (p *Policy) CrawlDelay(agent string) time.Duration {
	if p == nil {
		return 0
	}
	group, ok := p.Agents[strings.ToLower(agent)]
	if !ok {
		group, ok = p.Agents[Wildcard]
	}
	if !ok {
		return 0
	}
	return time.Duration(group.CrawlDelay) * time.Second
}

// SitemapURLs returns the declared sitemaps in sorted order.
func (p *Policy) SitemapURLs() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.Sitemaps))
	for s := range p.Sitemaps {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

func (p *Policy) agent(name string) *Agent {
	a, ok := p.Agents[name]
	if !ok {
		a = &Agent{}
		p.Agents[name] = a
	}
	return a
}

func parseCrawlDelay(value string) uint32 {
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 1
	}
	return uint32(n)
}
