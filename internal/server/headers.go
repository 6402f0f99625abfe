package server

import "github.com/gin-gonic/gin"

type header struct{ key, value string }

var staticHeaders = []header{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Cross-Origin-Opener-Policy", "same-origin"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"Cross-Origin-Embedder-Policy", "require-corp"},
}

// SecurityHeaders sets the fixed response headers. HSTS is only sent in
// production.
func SecurityHeaders(production bool) gin.HandlerFunc {
	headers := append([]header(nil), staticHeaders...)
	if production {
		headers = append(headers, header{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"})
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range headers {
			h.Set(kv.key, kv.value)
		}
		c.Next()
	}
}
