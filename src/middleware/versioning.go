package middleware

import (
	"mime"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/khabaroff/gatekeeper/src/models"
)

// APIVersionKey is the context key for the negotiated API version
const APIVersionKey = "api_version"

// DefaultAPIVersion is served when the client asks for nothing we know
const DefaultAPIVersion = "v1"

var supportedVersions = map[string]bool{"v1": true}

// APIVersion negotiates the version from Accept media types of the form
// application/vnd.<product>.<version>+json. Unknown or absent versions fall
// back to v1; negotiation never rejects a request.
func APIVersion(product string) gin.HandlerFunc {
	pattern := regexp.MustCompile(`^application/vnd\.` + regexp.QuoteMeta(strings.ToLower(product)) + `\.(v[0-9]+)\+json$`)

	return func(c *gin.Context) {
		version := negotiateVersion(pattern, c.GetHeader("Accept"))
		c.Set(APIVersionKey, version)
		c.Header(models.HeaderAPIVersion, version)
		c.Next()
	}
}

func negotiateVersion(pattern *regexp.Regexp, accept string) string {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		m := pattern.FindStringSubmatch(mediaType)
		if m != nil && supportedVersions[m[1]] {
			return m[1]
		}
	}
	return DefaultAPIVersion
}

// GetAPIVersion returns the negotiated version
func GetAPIVersion(c *gin.Context) string {
	if v := c.GetString(APIVersionKey); v != "" {
		return v
	}
	return DefaultAPIVersion
}
