package tools

import (
	"context"
	"net"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/adapters"
)

// Soft failure codes of geo_lookup, returned as {"error": code} output
// rather than as errors.
const (
	GeoNoIP            = "NO_IP_AVAILABLE"
	GeoLookupFailed    = "LOOKUP_FAILED"
	GeoLookupException = "LOOKUP_EXCEPTION"
)

type clientIPKey struct{}

// WithClientIP returns a context carrying the requester's IP for geo_lookup.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFrom returns the IP set by WithClientIP.
func ClientIPFrom(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

var carrierGradeNAT = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// routable reports whether ip can be located.
func routable(ip net.IP) bool {
	if ip == nil || ip.IsUnspecified() || ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || carrierGradeNAT.Contains(ip) {
		return false
	}
	return true
}

// GeoLookup resolves an IP address to a city and state. The address comes
// from the "ip" input, the step query when it is an IP, or the requester's
// IP on the context.
func GeoLookup(cfg Config) *adapters.CapabilityAdapter {
	client := newClient(cfg.GeoURL, cfg.Timeout)

	return adapters.NewCapability(rights2roof.ToolGeoLookup,
		func(ctx context.Context, input map[string]any) (any, error) {
			raw := adapters.StringInput(input, "ip")
			if raw == "" && net.ParseIP(adapters.StringInput(input, "query")) != nil {
				raw = adapters.StringInput(input, "query")
			}
			if raw == "" {
				raw = ClientIPFrom(ctx)
			}
			ip := net.ParseIP(raw)
			if !routable(ip) {
				return map[string]any{"error": GeoNoIP}, nil
			}

			var out struct {
				Status     string `json:"status"`
				City       string `json:"city"`
				RegionName string `json:"regionName"`
				Country    string `json:"country"`
			}
			if err := getJSON(ctx, client, "/json/"+ip.String(), nil, &out); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return map[string]any{"error": GeoLookupException, "detail": err.Error()}, nil
			}
			if out.Status != "success" {
				return map[string]any{"error": GeoLookupFailed}, nil
			}
			return map[string]any{
				"city":    out.City,
				"state":   out.RegionName,
				"country": out.Country,
			}, nil
		},
		adapters.WithDescription("Finds the user's city and state from their IP address, to pick the right local laws."),
		adapters.WithCategory("Location"),
		adapters.WithParameters(map[string]string{
			"ip": "IP address; defaults to the requester's",
		}),
		adapters.WithReturns("city, state and country, or an error code when no public IP is known."),
	)
}
