package gateway

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/control"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/metrics"
)

// breakerTransport fails fast while the worker is unreachable
type breakerTransport struct {
	base    http.RoundTripper
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.breaker.Execute(func() (*http.Response, error) {
		return t.base.RoundTrip(req)
	})
}

func newUpstreamBreaker(config BreakerConfig, logger logging.Logger) *gobreaker.CircuitBreaker[*http.Response] {
	metrics.UpstreamBreakerState.Set(0)

	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: config.HalfOpenRequests,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ConsecutiveFailures
		},
		// A client that hangs up says nothing about the worker
		IsSuccessful: func(err error) bool {
			return err == nil || stderrors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("Upstream circuit breaker %s: %s -> %s", name, from, to)
			metrics.UpstreamBreakerState.Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// newWorkerProxy forwards path and query verbatim to the worker and passes
// its status and body through
func newWorkerProxy(config Config, logger logging.Logger) *httputil.ReverseProxy {
	target := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(config.UpstreamHost, strconv.Itoa(config.UpstreamPort)),
	}

	base := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
			if ip := ClientIPFromContext(pr.In.Context()); ip != "" {
				pr.Out.Header.Set("X-Forwarded-For", ip)
			}

			// Gateway credentials stay at the gateway
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del(control.KeyHeader)
			if principal, ok := PrincipalFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set("X-Supervisor-Principal", principal.Identity)
				pr.Out.Header.Set("X-Supervisor-Role", string(principal.Role))
			}
		},
		Transport: &breakerTransport{
			base:    base,
			breaker: newUpstreamBreaker(config.Breaker, logger),
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if stderrors.Is(err, context.Canceled) {
				return
			}
			message := "worker is unreachable"
			if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
				message = "worker is unavailable, circuit open"
			}
			logger.Warnf("Proxy request failed, path: %s, error: %v", r.URL.Path, err)
			control.WriteError(w, errors.NewUpstreamUnavailableError(message, err))
		},
	}
}
