package response

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"

	"github.com/krisalay/offline-cache/types"
)

/*
Key derives the cache key for req: "METHOD URL#<sha256>".

The digest covers the method, the URL, every header (names canonicalised and
sorted, values kept in order) and the body, so header insertion order and
name case never change the key. The readable prefix lets Invalidate match
on the URL without a reverse index.
*/
func Key(req types.Request) string {
	method := normalizeMethod(req.Method)

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(req.URL))
	h.Write([]byte{0})

	headers := canonicalHeaders(req.Header)
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{':'})
		h.Write([]byte(strings.Join(headers[name], ",")))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte{0})
	h.Write(req.Body)

	return method + " " + req.URL + "#" + hex.EncodeToString(h.Sum(nil))
}

// urlOf returns the URL part of a key built by Key.
func urlOf(key string) (string, bool) {
	_, rest, ok := strings.Cut(key, " ")
	if !ok {
		return "", false
	}
	i := strings.LastIndexByte(rest, '#')
	if i < 0 {
		return "", false
	}
	return rest[:i], true
}

func normalizeMethod(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return strings.ToUpper(m)
}

func canonicalHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, values := range h {
		c := http.CanonicalHeaderKey(name)
		out[c] = append(out[c], values...)
	}
	return out
}
