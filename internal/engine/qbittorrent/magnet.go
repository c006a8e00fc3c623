package qbittorrent

import (
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"strings"
)

// InfoHash extracts the v1 info-hash from a magnet link as lower-case hex.
// It returns "" when uri is not a magnet or carries no btih.
func InfoHash(uri string) string {
	if !strings.HasPrefix(strings.ToLower(uri), "magnet:?") {
		return ""
	}
	q, err := url.ParseQuery(uri[len("magnet:?"):])
	if err != nil {
		return ""
	}
	for _, xt := range q["xt"] {
		if !strings.HasPrefix(strings.ToLower(xt), "urn:btih:") {
			continue
		}
		h := xt[len("urn:btih:"):]
		switch len(h) {
		case 40:
			if _, err := hex.DecodeString(h); err == nil {
				return strings.ToLower(h)
			}
		case 32:
			if b, err := base32.StdEncoding.DecodeString(strings.ToUpper(h)); err == nil {
				return hex.EncodeToString(b)
			}
		}
	}
	return ""
}
