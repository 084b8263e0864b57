package http

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/soundrooms/internal/app/balance"
	"github.com/dkeye/soundrooms/internal/config"
)

const proxyTimeout = 2 * time.Second

type BalancerSettings struct {
	Mode string
	// SelfAddress is this server's advertised "ip:port". Connections routed
	// to it are proxied over loopback instead.
	SelfAddress string
	LocalPort   int
}

func BalancerSettingsFromConfig(cfg *config.Config) BalancerSettings {
	return BalancerSettings{Mode: cfg.Mode, SelfAddress: cfg.LocalAddress(), LocalPort: cfg.ServerPort}
}

type balancerProxy struct {
	balancer  *balance.Balancer
	settings  BalancerSettings
	transport http.RoundTripper
}

// SetupBalancer builds the public entry point: every websocket upgrade is
// routed by b and proxied to the chosen server. Plain HTTP is refused.
func SetupBalancer(b *balance.Balancer, s BalancerSettings) *gin.Engine {
	p := &balancerProxy{
		balancer: b,
		settings: s,
		transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: proxyTimeout}).DialContext,
			ResponseHeaderTimeout: proxyTimeout,
		},
	}
	r := newEngine(s.Mode)
	r.NoRoute(p.handle)
	return r
}

func (p *balancerProxy) target(addr string) string {
	if addr == p.settings.SelfAddress && p.settings.LocalPort > 0 {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(p.settings.LocalPort))
	}
	return addr
}

func (p *balancerProxy) handle(c *gin.Context) {
	req := c.Request
	if !websocket.IsWebSocketUpgrade(req) {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}
	for _, h := range balance.RoutingHeaders {
		req.Header.Del(h)
	}

	d := p.balancer.Route(req.URL.RequestURI())
	if d.Retry {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	target := &url.URL{Scheme: "http", Host: p.target(d.Target)}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			for k, v := range d.Headers {
				pr.Out.Header.Set(k, v)
			}
		},
		Transport: p.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Str("module", "adapters.http").Str("target", target.Host).Err(err).Msg("proxy failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	log.Debug().Str("module", "adapters.http").Str("path", req.URL.Path).Str("target", target.Host).
		Str("room", d.Headers[balance.HeaderRequestedRoomName]).Msg("proxying connection")
	proxy.ServeHTTP(c.Writer, req)
}
