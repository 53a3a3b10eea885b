package utils

import (
	"sort"
	"strconv"
	"strings"
)

// DetermineLocale picks the language for outbound reporter messaging: an
// explicit query param wins, then the best supported Accept-Language
// candidate by q-value, then the default. Supported values are base tags
// like "en" or "es"; region variants (es-MX) match their base.
func DetermineLocale(queryLang, acceptLang string, supported []string, def string) string {
	sup := map[string]struct{}{}
	for _, s := range supported {
		sup[strings.ToLower(s)] = struct{}{}
	}

	pick := func(lang string) (string, bool) {
		if lang == "" {
			return "", false
		}
		l := strings.ToLower(lang)
		if _, ok := sup[l]; ok {
			return l, true
		}
		if i := strings.Index(l, "-"); i > 0 {
			if _, ok := sup[l[:i]]; ok {
				return l[:i], true
			}
		}
		return "", false
	}

	if v, ok := pick(queryLang); ok {
		return v
	}

	type candidate struct {
		lang string
		q    float64
	}
	var candidates []candidate
	for _, part := range strings.Split(acceptLang, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		lang := p
		q := 1.0
		if semi := strings.Index(p, ";"); semi >= 0 {
			lang = strings.TrimSpace(p[:semi])
			for _, param := range strings.Split(p[semi+1:], ";") {
				k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || strings.TrimSpace(k) != "q" {
					continue
				}
				if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && parsed >= 0 && parsed <= 1 {
					q = parsed
				}
			}
		}
		if l, ok := pick(lang); ok {
			candidates = append(candidates, candidate{lang: l, q: q})
		}
	}
	if len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].q > candidates[j].q })
		return candidates[0].lang
	}

	if v, ok := pick(def); ok {
		return v
	}
	if len(supported) > 0 {
		return strings.ToLower(supported[0])
	}
	return "en"
}
