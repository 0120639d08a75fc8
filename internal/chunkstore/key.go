package chunkstore

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
)

// Key returns the cache key for a source URL: the md5 hex digest of the
// normalized URL string. The same URL always yields the same key, across
// calls and process restarts.
func Key(rawURL string) string {
	sum := md5.Sum([]byte(Normalize(rawURL)))
	return hex.EncodeToString(sum[:])
}

// Normalize applies a stable, order-preserving transform to a URL before
// hashing: scheme and host are lowercased and default ports dropped. Path
// and query are preserved byte-for-byte — no parameters are added, removed
// or reordered. Input that does not parse as an absolute URL is hashed raw.
func Normalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch u.Scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host

	return u.String()
}
