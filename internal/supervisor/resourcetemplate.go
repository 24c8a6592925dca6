package supervisor

import (
	"regexp"
	"strings"
	"sync"

	"github.com/yosida95/uritemplate/v3"
)

var templateCacheMu sync.Mutex
var templateCache = map[string]*regexp.Regexp{}

// matchTemplate reports whether uri matches template, where each
// `{segment}` placeholder binds exactly one path segment — RFC 6570
// level 1 semantics (spec §4.5 "Capability dispatch": "converting each
// uriTemplate into a pattern that matches {segment} as [^/]+"), with
// the boundary example `tpl://{a}/{b}` matching `tpl://x/y` but not
// `tpl://x/y/z`.
//
// uritemplate.New validates the template is well-formed RFC 6570 before
// the regex conversion runs — a malformed template never matches.
func matchTemplate(template, uri string) bool {
	if _, err := uritemplate.New(template); err != nil {
		return false
	}

	re := compiledTemplate(template)
	return re.MatchString(uri)
}

func compiledTemplate(template string) *regexp.Regexp {
	templateCacheMu.Lock()
	defer templateCacheMu.Unlock()

	if re, ok := templateCache[template]; ok {
		return re
	}

	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(template) {
		if template[i] == '{' {
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta(template[i:]))
				break
			}
			b.WriteString("[^/]+")
			i += end + 1
			continue
		}
		start := i
		for i < len(template) && template[i] != '{' {
			i++
		}
		b.WriteString(regexp.QuoteMeta(template[start:i]))
	}
	b.WriteString("$")

	re := regexp.MustCompile(b.String())
	templateCache[template] = re
	return re
}
