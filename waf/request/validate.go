package request

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxHeaderLength = 8192

var (
	headerNameRegex    = regexp.MustCompile("^[A-Za-z0-9!#$%&'*+.^_`|~-]+$")
	contentLengthRegex = regexp.MustCompile(`^\d+$`)
	headerSplitRegex   = regexp.MustCompile(`[\r\n]\s*[a-zA-Z-]+\s*:`)
)

// ValidateHeaders checks r for structurally malformed headers: illegal
// names, control characters, oversized values, invalid UTF-8, duplicated
// framing headers and conflicting Content-Length / Transfer-Encoding.
// It returns false and a reason for the first problem found.
func ValidateHeaders(r *http.Request) (bool, string) {
	for name, values := range r.Header {
		if !headerNameRegex.MatchString(name) {
			return false, "invalid header name"
		}
		for _, value := range values {
			if strings.Contains(value, "\x00") {
				return false, "null byte in header " + name
			}
			if headerSplitRegex.MatchString(value) || strings.ContainsAny(value, "\r\n") {
				return false, "CRLF in header " + name
			}
			if len(value) > maxHeaderLength {
				return false, "header too long: " + name
			}
			if !utf8.ValidString(value) {
				return false, "invalid UTF-8 in header " + name
			}
		}
	}

	if r.Host == "" {
		return false, "missing Host header"
	}
	if strings.ContainsAny(r.Host, "\r\n\x00 ") {
		return false, "invalid Host header"
	}

	for _, name := range []string{"Content-Length", "Transfer-Encoding"} {
		if len(r.Header.Values(name)) > 1 {
			return false, "duplicate " + name + " header"
		}
	}

	cl := r.Header.Get("Content-Length")
	if cl != "" && !contentLengthRegex.MatchString(cl) {
		return false, "invalid Content-Length header"
	}
	if cl != "" && (len(r.TransferEncoding) > 0 || r.Header.Get("Transfer-Encoding") != "") {
		return false, "both Content-Length and Transfer-Encoding present"
	}

	return true, ""
}
