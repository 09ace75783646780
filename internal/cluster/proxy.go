package cluster

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/helpdesk-relay/internal/config"
)

const (
	// AffinityCookie carries the sticky-routing token between requests.
	AffinityCookie = "relay_affinity"
	// AffinityQuery lets clients without cookies pass the token explicitly.
	AffinityQuery = "sid"
	// AffinityHeader forwards the token to the chosen worker.
	AffinityHeader = "X-Relay-Affinity"
	// WorkerHeader reports which worker slot served a response.
	WorkerHeader = "X-Relay-Worker"
)

type routeKey struct{}

type route struct {
	target *url.URL
	token  string
}

// StickyProxy is the primary's public handler. It pins every affinity token
// to one worker and reverse-proxies both plain requests and websocket
// upgrades to it, so a negotiate call and the upgrade that follows land on the
// same worker.
//
// The token travels in the affinity cookie, which is SameSite=Lax unless
// configured otherwise. Browsers drop a Lax cookie on a cross-site websocket
// upgrade, so a page served from another origin must either pass the
// affinity value returned by /negotiate as the sid query parameter or run
// the primary with WithSameSite(http.SameSiteNoneMode) behind TLS.
type StickyProxy struct {
	balancer *Balancer
	proxy    *httputil.ReverseProxy
	logger   *zap.Logger
	sameSite http.SameSite
}

// ProxyOption customises a StickyProxy.
type ProxyOption func(*StickyProxy)

// WithSameSite sets the SameSite attribute of the affinity cookie.
// SameSiteNoneMode also marks the cookie Secure, which browsers require.
func WithSameSite(mode http.SameSite) ProxyOption {
	return func(p *StickyProxy) { p.sameSite = mode }
}

// SameSiteMode maps a config.SameSite* policy name to its cookie attribute.
func SameSiteMode(policy string) http.SameSite {
	switch policy {
	case config.SameSiteNone:
		return http.SameSiteNoneMode
	case config.SameSiteStrict:
		return http.SameSiteStrictMode
	default:
		return http.SameSiteLaxMode
	}
}

// NewStickyProxy wraps balancer in a reverse proxy.
func NewStickyProxy(balancer *Balancer, logger *zap.Logger, opts ...ProxyOption) *StickyProxy {
	p := &StickyProxy{
		balancer: balancer,
		logger:   logger.With(zap.String("component", "proxy")),
		sameSite: http.SameSiteLaxMode,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			rt, _ := pr.In.Context().Value(routeKey{}).(route)
			pr.SetURL(rt.target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
			pr.Out.Header.Set(AffinityHeader, rt.token)
		},
		ErrorHandler: p.handleError,
	}
	return p
}

// AffinityToken extracts the token from the sid query parameter or the
// affinity cookie, in that order.
func AffinityToken(r *http.Request) string {
	if sid := strings.TrimSpace(r.URL.Query().Get(AffinityQuery)); sid != "" {
		return sid
	}
	if c, err := r.Cookie(AffinityCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

func (p *StickyProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := AffinityToken(r)
	if token == "" {
		token = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     AffinityCookie,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			SameSite: p.sameSite,
			Secure:   p.sameSite == http.SameSiteNoneMode,
		})
	}

	slot, target, release, err := p.balancer.Acquire(token)
	if err != nil {
		p.logger.Warn("no worker available", zap.Error(err))
		http.Error(w, "No worker available", http.StatusServiceUnavailable)
		return
	}
	defer release()

	w.Header().Set(WorkerHeader, slotName(slot))
	ctx := context.WithValue(r.Context(), routeKey{}, route{target: target, token: token})
	p.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (p *StickyProxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	p.logger.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
	w.WriteHeader(http.StatusBadGateway)
}
