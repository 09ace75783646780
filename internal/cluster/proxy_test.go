package cluster

import (
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/helpdesk-relay/internal/config"
)

// startBackends starts one httptest worker per slot that echoes its slot and
// the affinity header it received.
func startBackends(t *testing.T, b *Balancer, n int) {
	t.Helper()
	for slot := 0; slot < n; slot++ {
		name := slotName(slot)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Backend", name)
			_, _ = io.WriteString(w, r.Header.Get(AffinityHeader))
		}))
		t.Cleanup(srv.Close)
		target, err := url.Parse(srv.URL)
		require.NoError(t, err)
		b.SetWorker(slot, target)
		b.MarkUp(slot)
	}
}

func TestStickyProxySetsCookieAndPins(t *testing.T) {
	b := NewBalancer(time.Minute)
	startBackends(t, b, 3)
	front := httptest.NewServer(NewStickyProxy(b, zaptest.NewLogger(t)))
	t.Cleanup(front.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar, Timeout: 5 * time.Second}

	resp, err := client.Get(front.URL + "/negotiate")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	first := resp.Header.Get("X-Backend")
	assert.Equal(t, first, resp.Header.Get(WorkerHeader))
	require.NotEmpty(t, string(body), "token forwarded to the worker")

	frontURL, _ := url.Parse(front.URL)
	cookies := jar.Cookies(frontURL)
	require.Len(t, cookies, 1)
	assert.Equal(t, AffinityCookie, cookies[0].Name)
	assert.Equal(t, cookies[0].Value, string(body))

	for i := 0; i < 5; i++ {
		resp, err := client.Get(front.URL + "/negotiate")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, first, resp.Header.Get("X-Backend"))
	}
}

func TestStickyProxyQueryToken(t *testing.T) {
	b := NewBalancer(time.Minute)
	startBackends(t, b, 2)
	front := httptest.NewServer(NewStickyProxy(b, zaptest.NewLogger(t)))
	t.Cleanup(front.Close)

	resp, err := http.Get(front.URL + "/negotiate?sid=abc")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, "abc", string(body))
	assert.Empty(t, resp.Cookies(), "no cookie when the client supplied a token")
	slot, ok := b.PinnedSlot("abc")
	require.True(t, ok)
	assert.Equal(t, slotName(slot), resp.Header.Get(WorkerHeader))
}

func TestStickyProxyNoWorkers(t *testing.T) {
	b := NewBalancer(time.Minute)
	front := httptest.NewServer(NewStickyProxy(b, zaptest.NewLogger(t)))
	t.Cleanup(front.Close)

	resp, err := http.Get(front.URL + "/ws")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStickyProxyDeadWorker(t *testing.T) {
	b := NewBalancer(time.Minute)
	b.SetWorker(0, &url.URL{Scheme: "http", Host: "127.0.0.1:1"})
	b.MarkUp(0)
	front := httptest.NewServer(NewStickyProxy(b, zaptest.NewLogger(t)))
	t.Cleanup(front.Close)

	resp, err := http.Get(front.URL + "/negotiate")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Eventually(t, func() bool { return b.Load(0) == 0 }, time.Second, 10*time.Millisecond)
}

func TestAffinityTokenPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?sid=query", http.NoBody)
	r.AddCookie(&http.Cookie{Name: AffinityCookie, Value: "cookie"})
	assert.Equal(t, "query", AffinityToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	r.AddCookie(&http.Cookie{Name: AffinityCookie, Value: "cookie"})
	assert.Equal(t, "cookie", AffinityToken(r))

	assert.Empty(t, AffinityToken(httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)))
}

func TestStickyProxyCookieSameSite(t *testing.T) {
	tests := []struct {
		name       string
		opts       []ProxyOption
		wantMode   http.SameSite
		wantSecure bool
	}{
		{name: "default lax", wantMode: http.SameSiteLaxMode},
		{name: "strict", opts: []ProxyOption{WithSameSite(SameSiteMode(config.SameSiteStrict))}, wantMode: http.SameSiteStrictMode},
		{name: "cross-site", opts: []ProxyOption{WithSameSite(SameSiteMode(config.SameSiteNone))}, wantMode: http.SameSiteNoneMode, wantSecure: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBalancer(time.Minute)
			startBackends(t, b, 1)
			rec := httptest.NewRecorder()
			NewStickyProxy(b, zaptest.NewLogger(t), tt.opts...).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/negotiate", http.NoBody))

			cookies := rec.Result().Cookies()
			require.Len(t, cookies, 1)
			assert.Equal(t, AffinityCookie, cookies[0].Name)
			assert.Equal(t, tt.wantMode, cookies[0].SameSite)
			assert.Equal(t, tt.wantSecure, cookies[0].Secure)
			assert.True(t, cookies[0].HttpOnly)
		})
	}
}
