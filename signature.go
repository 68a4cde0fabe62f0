package medimate

import (
	"net/url"
	"sort"
	"strings"
)

// Signature derives the cache and in-flight key of a request from its method,
// path and query parameters. Parameter order never matters: keys are sorted
// by url.Values.Encode and repeated values are sorted too, so two logically
// identical requests always share a signature.
func Signature(method, path string, params url.Values) string {
	var builder strings.Builder
	builder.WriteString(strings.ToUpper(method))
	builder.WriteByte(':')
	builder.WriteString(normalizePath(path))

	if len(params) > 0 {
		normalized := make(url.Values, len(params))
		for key, values := range params {
			if len(values) == 0 {
				continue
			}
			sorted := append([]string(nil), values...)
			sort.Strings(sorted)
			normalized[key] = sorted
		}
		if encoded := normalized.Encode(); encoded != "" {
			builder.WriteByte('?')
			builder.WriteString(encoded)
		}
	}

	return builder.String()
}

// SignaturePath returns the path component of a signature, used to match
// cache entries by endpoint.
func SignaturePath(signature string) string {
	if idx := strings.IndexByte(signature, ':'); idx != -1 {
		signature = signature[idx+1:]
	}
	if idx := strings.IndexByte(signature, '?'); idx != -1 {
		signature = signature[:idx]
	}
	return signature
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}
