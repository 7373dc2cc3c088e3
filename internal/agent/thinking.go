package agent

import "strings"

// ExtractThoughts scans text for segments delimited by the start and end
// markers. It returns the thought segments in order and the text with the
// marked segments removed. Unterminated markers leave the remainder of the
// text intact.
func ExtractThoughts(text, startMarker, endMarker string) (thoughts []string, cleaned string) {
	if startMarker == "" || endMarker == "" {
		return nil, text
	}

	var out strings.Builder
	rest := text
	for {
		start := strings.Index(rest, startMarker)
		if start < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+len(startMarker):], endMarker)
		if end < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		thought := strings.TrimSpace(rest[start+len(startMarker) : start+len(startMarker)+end])
		if thought != "" {
			thoughts = append(thoughts, thought)
		}
		rest = rest[start+len(startMarker)+end+len(endMarker):]
	}

	return thoughts, strings.TrimSpace(out.String())
}
