package helpers

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
)

// Browser-like header pools
var (
	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	}

	referers = []string{
		"https://www.google.com/",
		"https://www.naver.com/",
		"https://www.daum.net/",
	}
)

// RandomUserAgent picks one of the built-in browser user agents.
func RandomUserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}

// ApplyBrowserHeaders sets browser-like headers on req. An empty userAgent
// picks a random one. Values in extra override the defaults.
func ApplyBrowserHeaders(req *http.Request, userAgent string, extra map[string]string) {
	if userAgent == "" {
		userAgent = RandomUserAgent()
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Referer", referers[rand.IntN(len(referers))])
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}

// DecodeContentEncoding wraps body with a decompressor for the given
// Content-Encoding header value. Unknown encodings are passed through.
func DecodeContentEncoding(body io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		return gz, nil
	case "br":
		return brotli.NewReader(body), nil
	case "deflate":
		return flate.NewReader(body), nil
	default:
		return body, nil
	}
}

// ToUTF8 converts body to UTF-8. A non-empty forced label (e.g. "euc-kr")
// wins over the Content-Type header and <meta> sniffing.
func ToUTF8(body []byte, contentType, forced string) ([]byte, error) {
	if forced != "" {
		enc, name := charset.Lookup(forced)
		if enc == nil {
			return nil, fmt.Errorf("unknown encoding %q", forced)
		}
		if name == "utf-8" {
			return body, nil
		}
		return decodeWith(enc.NewDecoder().Reader(bytes.NewReader(body)))
	}

	enc, name, _ := charset.DetermineEncoding(body, contentType)
	if strings.EqualFold(name, "utf-8") {
		return body, nil
	}
	return decodeWith(enc.NewDecoder().Reader(bytes.NewReader(body)))
}

func decodeWith(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("failed to read converted UTF-8 body: %w", err)
	}
	return buf.Bytes(), nil
}
