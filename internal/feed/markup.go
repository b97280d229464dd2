package feed

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
)

// jsonpWrapper matches `callback( ... );` around a JSON body.
var jsonpWrapper = regexp.MustCompile(`(?s)^\s*(?:/\*\*/)?\s*[A-Za-z_$][\w$.]*\s*\((.*)\)\s*;?\s*$`)

// StripJSONP returns the JSON inside a JSONP response. Plain JSON is
// returned unchanged.
func StripJSONP(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] == '{' || trimmed[0] == '[' {
		return trimmed
	}
	if m := jsonpWrapper.FindSubmatch(trimmed); m != nil {
		return bytes.TrimSpace(m[1])
	}
	return trimmed
}

// StreetViewHTML links to the street-level view at lat,lon.
func StreetViewHTML(lat, lon float64) string {
	return fmt.Sprintf(`<p><a href="https://www.google.com/maps/@?api=1&amp;map_action=pano&amp;viewpoint=%g,%g" target="_blank">Street View</a></p>`, lat, lon)
}

// ItemLink renders the map link a list entry uses to focus its record.
func ItemLink(collection, id, label string) string {
	return fmt.Sprintf(`<a href="#" data-source="%s" data-id="%s">%s</a>`,
		html.EscapeString(collection), html.EscapeString(id), label)
}

// ExternalLink opens target in a new window.
func ExternalLink(target, label string) string {
	return fmt.Sprintf(`<a href="%s" target="_blank">%s</a>`, html.EscapeString(target), label)
}
