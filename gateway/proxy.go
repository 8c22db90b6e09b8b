package gateway

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/config"
)

// PayerHeader carries the paying address to the backend.
const PayerHeader = "X-X402-Payer"

const defaultProxyTimeout = 60 * time.Second

// Proxy forwards paid requests to the route's backend with the backend's API
// key injected.
type Proxy struct {
	client *http.Client
	log    *zap.Logger
}

// NewProxy creates a backend proxy. client may be nil for a 60s default.
func NewProxy(client *http.Client, log *zap.Logger) *Proxy {
	if client == nil {
		client = &http.Client{Timeout: defaultProxyTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Proxy{client: client, log: log}
}

// backendURL maps the gateway path onto the backend: the suffix after the
// route's mount path plus the original query string.
func backendURL(route *config.Route, r *http.Request) string {
	suffix := strings.TrimPrefix(r.URL.Path, route.Path)
	target := strings.TrimSuffix(route.BackendURL, "/") + suffix
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

// Forward relays the request to the backend and copies the response back.
// payer is attached as X-X402-Payer, defaulting to "unknown".
func (p *Proxy) Forward(c *gin.Context, route *config.Route, payer string) {
	req, err := http.NewRequestWithContext(
		c.Request.Context(), c.Request.Method, backendURL(route, c.Request), c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to build backend request"})
		return
	}

	if contentType := c.GetHeader("Content-Type"); contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accept := c.GetHeader("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	if route.BackendAPIKey != "" {
		value := route.BackendAPIKey
		if strings.EqualFold(route.BackendAPIKeyHeader, "Authorization") {
			value = "Bearer " + value
		}
		req.Header.Set(route.BackendAPIKeyHeader, value)
	}

	if payer == "" {
		payer = c.GetHeader(PayerHeader)
	}
	if payer == "" {
		payer = "unknown"
	}
	req.Header.Set(PayerHeader, payer)

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Error("backend request failed",
			zap.String("backend", route.BackendName),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error": fmt.Sprintf("Backend %s unreachable", route.BackendName),
		})
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")

	// A backend blowing up with an HTML error page must not leak through a
	// JSON API; wrap it.
	if resp.StatusCode >= 500 && !strings.Contains(contentType, "application/json") {
		p.log.Warn("backend returned non-JSON error",
			zap.String("backend", route.BackendName),
			zap.Int("status", resp.StatusCode))
		c.JSON(resp.StatusCode, gin.H{
			"error": fmt.Sprintf("Backend %s returned %d", route.BackendName, resp.StatusCode),
		})
		return
	}

	if contentType != "" {
		c.Header("Content-Type", contentType)
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		p.log.Warn("failed to stream backend response", zap.Error(err))
	}
}
