// Organization identity middleware.
//
// Tenancy is keyed by organization id. The id comes from the "X-Org-ID"
// header (set by the upstream API gateway after authentication) with a
// fallback to the "org" query parameter for transports that cannot set
// headers, such as browser WebSocket clients.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderOrgID is the request header carrying the organization id.
const HeaderOrgID = "X-Org-ID"

// ExtractOrgID resolves the organization id for a request: the value stored
// in the context by OrgAuth when available, otherwise the header/query
// extraction OrgAuth itself performs. Empty means no tenant was presented.
func ExtractOrgID(c *gin.Context) string {
	if v, ok := c.Get("orgID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	org := strings.TrimSpace(c.GetHeader(HeaderOrgID))
	if org == "" {
		org = strings.TrimSpace(c.Query("org"))
	}
	return org
}

// OrgAuth extracts the organization id and stores it in the Gin context
// under "orgID". Requests without one are rejected with 401 so downstream
// handlers can assume a tenant.
func OrgAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		org := ExtractOrgID(c)
		if org == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "organization id required",
			})
			return
		}
		c.Set("orgID", org)
		c.Next()
	}
}
