package discovery

import (
	"strings"

	"github.com/tinoosan/folio/internal/data"
)

// Audio keywords are checked first so "audiobook epub bundle" counts as audio.
var (
	audioKeywords = []string{"audiobook", "audio", "mp3", "m4b"}
	textKeywords  = []string{"epub", "pdf", "fb2", "mobi", "txt"}
)

// Classify guesses the media type of a release from its title.
func Classify(title string) data.MediaType {
	t := strings.ToLower(title)
	for _, k := range audioKeywords {
		if strings.Contains(t, k) {
			return data.MediaAudio
		}
	}
	for _, k := range textKeywords {
		if strings.Contains(t, k) {
			return data.MediaText
		}
	}
	return data.MediaUnknown
}

// Keep reports whether a candidate classified as got may satisfy a request
// for want. Unknown candidates are always kept.
func Keep(got, want data.MediaType) bool {
	return got == want || got == data.MediaUnknown
}
