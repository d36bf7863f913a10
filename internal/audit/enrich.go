package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/chat-gateway/internal/pkg/safehttp"
)

// Unknown is the placeholder for enrichment that could not be resolved.
const Unknown = "unknown"

// DefaultGeoBaseURL is the ip-api compatible lookup service.
const DefaultGeoBaseURL = "http://ip-api.com"

// Locator resolves a client address to a human readable location.
// Implementations return Unknown rather than an error.
type Locator interface {
	Locate(ctx context.Context, ip string) string
}

type unknownLocator struct{}

func (unknownLocator) Locate(context.Context, string) string { return Unknown }

// GeoLookup resolves locations through an ip-api compatible JSON endpoint.
type GeoLookup struct {
	baseURL string
	client  *http.Client
}

// NewGeoLookup creates a lookup against baseURL (DefaultGeoBaseURL when empty).
func NewGeoLookup(baseURL string) *GeoLookup {
	if baseURL == "" {
		baseURL = DefaultGeoBaseURL
	}
	return &GeoLookup{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type geoResponse struct {
	Status  string `json:"status"`
	City    string `json:"city"`
	Region  string `json:"regionName"`
	Country string `json:"country"`
}

// Locate returns "City, Country" for ip, or Unknown on any failure.
// Private and loopback addresses are not looked up.
func (g *GeoLookup) Locate(ctx context.Context, ip string) string {
	addr := net.ParseIP(ip)
	if addr == nil || safehttp.IsPrivate(addr) {
		return Unknown
	}

	endpoint := fmt.Sprintf("%s/json/%s?fields=status,city,regionName,country", g.baseURL, url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Unknown
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Unknown
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Unknown
	}

	var geo geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&geo); err != nil || geo.Status != "success" {
		return Unknown
	}

	var parts []string
	for _, p := range []string{geo.City, geo.Region, geo.Country} {
		if p != "" && (len(parts) == 0 || parts[len(parts)-1] != p) {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return Unknown
	}
	return strings.Join(parts, ", ")
}

var browsers = []struct{ token, name string }{
	{"Edg/", "Edge"},
	{"OPR/", "Opera"},
	{"SamsungBrowser/", "Samsung Internet"},
	{"Firefox/", "Firefox"},
	{"FxiOS/", "Firefox"},
	{"CriOS/", "Chrome"},
	{"Chrome/", "Chrome"},
	{"Safari/", "Safari"},
	{"curl/", "curl"},
}

var systems = []struct{ token, name string }{
	{"Android", "Android"},
	{"iPhone", "iOS"},
	{"iPad", "iPadOS"},
	{"Windows", "Windows"},
	{"Mac OS X", "macOS"},
	{"CrOS", "ChromeOS"},
	{"Linux", "Linux"},
}

// DescribeUserAgent summarises a User-Agent header as "Browser on OS".
func DescribeUserAgent(ua string) string {
	if strings.TrimSpace(ua) == "" {
		return Unknown
	}

	browser, system := "", ""
	for _, b := range browsers {
		if strings.Contains(ua, b.token) {
			browser = b.name
			break
		}
	}
	for _, s := range systems {
		if strings.Contains(ua, s.token) {
			system = s.name
			break
		}
	}

	switch {
	case browser != "" && system != "":
		return browser + " on " + system
	case browser != "":
		return browser
	case system != "":
		return "Unknown browser on " + system
	default:
		return Unknown
	}
}
