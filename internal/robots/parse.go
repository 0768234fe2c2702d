package robots

import (
	"regexp"
	"strings"
)

var fieldPattern = regexp.MustCompile(`(?i)\b(user-agent|disallow|allow|sitemap|crawl-delay|host)\s*:`)

type directive struct {
	field string
	value string
}

// Parse builds a Policy from robots content. Consecutive user-agent lines
// share one group; a blank user-agent value closes the current group.
func Parse(content string) *Policy {
	p := Empty()
	directives, ok := split(content)
	if !ok {
		return p
	}

	var current []*Agent
	grouping := false
	for _, d := range directives {
		switch d.field {
		case "user-agent":
			if d.value == "" {
				current = nil
				grouping = false
				continue
			}
			if !grouping {
				current = nil
			}
			current = append(current, p.agent(strings.ToLower(d.value)))
			grouping = true
		case "allow", "disallow":
			grouping = false
			if d.value == "" {
				continue
			}
			rule := NewRule(d.value)
			for _, a := range current {
				if d.field == "allow" {
					a.Allow = append(a.Allow, rule)
				} else {
					a.Disallow = append(a.Disallow, rule)
				}
			}
		case "crawl-delay":
			grouping = false
			delay := parseCrawlDelay(d.value)
			for _, a := range current {
				a.CrawlDelay = delay
			}
		case "sitemap":
			if d.value != "" {
				p.Sitemaps[d.value] = struct{}{}
			}
		case "host":
			if p.Host == "" && d.value != "" {
				p.Host = d.value
			}
		}
	}
	return p
}

// split turns content into directives. A file that collapses into one line is
// scanned with fieldPattern instead, unless it is an HTML error page.
func split(content string) ([]directive, bool) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	var lines []string
	for _, line := range strings.Split(normalized, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	if len(lines) == 1 {
		if strings.Contains(strings.ToLower(content), "<html") {
			return nil, false
		}
		return robustSplit(lines[0]), true
	}

	out := make([]directive, 0, len(lines))
	for _, line := range lines {
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out = append(out, directive{
			field: strings.ToLower(strings.TrimSpace(field)),
			value: strings.TrimSpace(value),
		})
	}
	return out, true
}

func robustSplit(line string) []directive {
	matches := fieldPattern.FindAllStringSubmatchIndex(line, -1)
	out := make([]directive, 0, len(matches))
	for i, m := range matches {
		end := len(line)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		value := strings.TrimSpace(line[m[1]:end])
		if fields := strings.Fields(value); len(fields) > 0 {
			value = fields[0]
		}
		out = append(out, directive{
			field: strings.ToLower(line[m[2]:m[3]]),
			value: value,
		})
	}
	return out
}
