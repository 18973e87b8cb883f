package dash

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var templatePattern = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth)(?:%0(\d+)d)?\$`)

type templateVars struct {
	RepresentationID string
	Bandwidth        int
	Number           uint64
	Time             uint64
}

// fillTemplate replaces $RepresentationID$, $Number$, $Time$ and
// $Bandwidth$ (with optional %0Nd width) and unescapes $$.
func fillTemplate(tmpl string, v templateVars) string {
	out := templatePattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		m := templatePattern.FindStringSubmatch(token)
		var value string
		switch m[1] {
		case "RepresentationID":
			return v.RepresentationID
		case "Number":
			value = strconv.FormatUint(v.Number, 10)
		case "Time":
			value = strconv.FormatUint(v.Time, 10)
		case "Bandwidth":
			value = strconv.Itoa(v.Bandwidth)
		}
		if m[2] != "" {
			width, _ := strconv.Atoi(m[2])
			for len(value) < width {
				value = "0" + value
			}
		}
		return value
	})
	return strings.ReplaceAll(out, "$$", "$")
}

// resolveURL resolves a path against a base URL, handling potential errors.
func resolveURL(base *url.URL, path string) (*url.URL, error) {
	resolvedPath, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse path '%s': %w", path, err)
	}
	return base.ResolveReference(resolvedPath), nil
}

// resolveBase applies the first BaseURL element of a level, if any.
func resolveBase(base *url.URL, elems []BaseURL) (*url.URL, error) {
	if len(elems) == 0 || elems[0].Value == "" {
		return base, nil
	}
	return resolveURL(base, elems[0].Value)
}
