package diff

import (
	"regexp"
	"strings"
)

var (
	hunkHeaderRe = regexp.MustCompile(`(?m)^@@ -\d+(?:,\d+)? \+\d+(?:,\d+)? @@`)
	fileHeaderRe = regexp.MustCompile(`(?m)^diff --git a/(.*) b/(.*)$`)
)

// ExtractHunks splits one file's unified diff into hunks. Each hunk starts at
// its "@@" marker and runs up to the next marker or the end of the text, so
// joining the result gives back the text from the first marker onward.
func ExtractHunks(diffText string) []string {
	if diffText == "" {
		return []string{}
	}

	matches := hunkHeaderRe.FindAllStringIndex(diffText, -1)
	hunks := make([]string, 0, len(matches))
	for i, match := range matches {
		end := len(diffText)
		if i < len(matches)-1 {
			end = matches[i+1][0]
		}
		hunks = append(hunks, diffText[match[0]:end])
	}
	return hunks
}

// Segment is a contiguous slice of a multi-file diff. A preamble before the
// first file header is returned as a segment with empty paths.
type Segment struct {
	OldPath string
	NewPath string
	Text    string
}

// SplitSegments cuts a multi-file diff at every "diff --git" header. The
// segment texts concatenated in order reproduce the input exactly.
func SplitSegments(blob string) []Segment {
	if blob == "" {
		return nil
	}

	headers := fileHeaderRe.FindAllStringSubmatchIndex(blob, -1)
	if len(headers) == 0 {
		return []Segment{{Text: blob}}
	}

	segments := make([]Segment, 0, len(headers)+1)
	if headers[0][0] > 0 {
		segments = append(segments, Segment{Text: blob[:headers[0][0]]})
	}
	for i, h := range headers {
		end := len(blob)
		if i < len(headers)-1 {
			end = headers[i+1][0]
		}
		segments = append(segments, Segment{
			OldPath: blob[h[2]:h[3]],
			NewPath: blob[h[4]:h[5]],
			Text:    blob[h[0]:end],
		})
	}
	return segments
}

// IsolateFile returns the segment of blob that belongs to path. A header
// naming path on both sides wins; otherwise a rename whose new side is path
// is accepted.
func IsolateFile(blob, path string) (string, bool) {
	if blob == "" || path == "" {
		return "", false
	}

	exact := regexp.MustCompile(`(?m)^diff --git a/` + regexp.QuoteMeta(path) + ` b/` + regexp.QuoteMeta(path) + `$`)
	if loc := exact.FindStringIndex(blob); loc != nil {
		rest := blob[loc[1]:]
		end := len(blob)
		if next := fileHeaderRe.FindStringIndex(rest); next != nil {
			end = loc[1] + next[0]
		}
		return blob[loc[0]:end], true
	}

	for _, seg := range SplitSegments(blob) {
		if seg.NewPath == path && seg.OldPath != "" {
			return seg.Text, true
		}
	}
	return "", false
}

// FileHunks isolates path inside blob and extracts its hunks. Hunks are cut
// from the segment with a guaranteed trailing newline so that a file's last
// hunk compares equal whether or not it ended the blob.
func FileHunks(blob, path string) (string, []string, bool) {
	seg, ok := IsolateFile(blob, path)
	if !ok {
		return "", []string{}, false
	}
	text := strings.TrimRight(seg, "\n")
	return text, ExtractHunks(text + "\n"), true
}
