// Package gateway is the HTTP front of the supervisor: control routes, log
// subscriptions and a reverse proxy to the worker, behind authentication,
// rate limiting and role checks.
package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pironjulien/trinity-hackathon-sub001/pkg/broadcast"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/control"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/domain"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/errors"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logcollection"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logging"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/logstore"
	"github.com/pironjulien/trinity-hackathon-sub001/pkg/metrics"
)

const requestIDHeader = "X-Request-ID"

// LogHub is the broadcast side used by the log routes
type LogHub interface {
	Subscribe(ctx context.Context, filters []string) (*broadcast.Subscriber, error)
	Unsubscribe(sub *broadcast.Subscriber)
	Resync(ctx context.Context, sub *broadcast.Subscriber) error
	Publish(ctx context.Context, entry logstore.Entry) (logstore.Entry, error)
	Clear(ctx context.Context, channel string) error
}

// LogReader reads stored channels
type LogReader interface {
	Read(channel string, maxLines int) ([]logstore.Entry, error)
}

type Gateway struct {
	config     Config
	controller domain.Contract
	hub        LogHub
	logs       LogReader
	logger     logging.Logger

	authenticator *Authenticator
	authorizer    *Authorizer
	resolver      *ClientIPResolver
	authFailures  *failureLimiter
	proxy         *httputil.ReverseProxy

	handler http.Handler
}

func New(config Config, controller domain.Contract, hub LogHub, logs LogReader, logger logging.Logger) (*Gateway, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	trusted, err := ParseTrustedProxies(config.TrustedProxies)
	if err != nil {
		return nil, err
	}
	authorizer, err := NewAuthorizer()
	if err != nil {
		return nil, errors.NewInternalError("failed to build authorizer", err)
	}

	g := &Gateway{
		config:        config,
		controller:    controller,
		hub:           hub,
		logs:          logs,
		logger:        logger,
		authenticator: NewAuthenticator(config.SharedKey, config.JWTSecret, config.JWTIssuer),
		authorizer:    authorizer,
		resolver:      NewClientIPResolver(trusted, config.ForwardedHeader),
		authFailures:  newFailureLimiter(config.RateLimitRequests, config.RateLimitWindow),
		proxy:         newWorkerProxy(config, logger),
	}
	g.handler = g.routes()
	return g, nil
}

func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(g.requestID)
	r.Use(g.resolver.Middleware)
	r.Use(g.accessLog)

	r.Get("/_supervisor/healthz", func(w http.ResponseWriter, r *http.Request) {
		control.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(g.authenticate)
		r.Use(httprate.Limit(
			g.config.RateLimitRequests,
			g.config.RateLimitWindow,
			httprate.WithKeyFuncs(g.rateLimitKey),
			httprate.WithLimitHandler(g.onRateLimited),
		))

		r.Group(func(r chi.Router) {
			r.Use(g.authorizeByMethod(ObjectControl))
			control.RegisterHTTPServerHandler(r, g.controller, g.logger)
		})

		r.With(g.authorize(ObjectLogs, ActionRead)).Get("/_supervisor/subscribe", g.handleSubscribe)
		r.With(g.authorize(ObjectLogs, ActionRead)).Get("/_supervisor/logs/{channel}", g.handleReadLogs)
		r.With(g.authorize(ObjectLogs, ActionWrite)).Post("/_supervisor/logs/{channel}", g.handleAppendLog)
		r.With(g.authorize(ObjectLogs, ActionAdmin)).Delete("/_supervisor/logs/{channel}", g.handleClearLogs)
		r.With(g.authorize(ObjectMetrics, ActionRead)).Handle("/_supervisor/metrics", promhttp.Handler())

		r.With(g.authorizeByMethod(ObjectProxy)).Handle("/*", g.proxy)
	})

	return r
}

// Serve listens on the configured address until ctx is done
func (g *Gateway) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", g.config.Listen)
	if err != nil {
		return errors.NewNetworkError("failed to listen", err).WithContext("address", g.config.Listen)
	}
	return g.ServeListener(ctx, listener)
}

// ServeListener serves on an existing listener until ctx is done
func (g *Gateway) ServeListener(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Infof("Gateway listening, address: %s", listener.Addr())
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.NewNetworkError("gateway server failed", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		g.logger.Warnf("Gateway shutdown incomplete: %v", err)
	}
	g.logger.Infof("Gateway stopped")
	return ctx.Err()
}

func (g *Gateway) String() string {
	return "gateway"
}

func (g *Gateway) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := logcollection.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r)
		metrics.GatewayRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()

		ctx := r.Context()
		g.logger.Debugf("%s %s %d %v, route: %s, client: %s, principal: %s, request: %s",
			r.Method, r.URL.Path, status, time.Since(start), route,
			ClientIPFromContext(ctx), logcollection.PrincipalFromContext(ctx), logcollection.RequestIDFromContext(ctx))
	})
}

// routeLabel keeps metric cardinality bounded
func routeLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}
	pattern := rctx.RoutePattern()
	switch pattern {
	case "":
		return "unmatched"
	case "/*":
		return "proxy"
	default:
		return pattern
	}
}

func (g *Gateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := g.authenticator.Authenticate(r)
		if err != nil {
			ip := ClientIPFromContext(r.Context())
			if !g.authFailures.allow(ip) {
				g.logger.Warnf("Too many failed authentications, client: %s", ip)
				g.onRateLimited(w, r)
				return
			}
			g.logger.Debugf("Authentication failed, client: %s, error: %v", ip, err)
			control.WriteError(w, err)
			return
		}

		ctx := withPrincipal(r.Context(), principal)
		ctx = logcollection.ContextWithPrincipal(ctx, principal.Identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitKey counts per identity, or per client IP without one
func (g *Gateway) rateLimitKey(r *http.Request) (string, error) {
	if principal, ok := PrincipalFromContext(r.Context()); ok {
		return "id:" + principal.Identity, nil
	}
	return "ip:" + ClientIPFromContext(r.Context()), nil
}

func (g *Gateway) onRateLimited(w http.ResponseWriter, r *http.Request) {
	metrics.GatewayRateLimited.Inc()
	if w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", strconv.Itoa(int(g.config.RateLimitWindow.Seconds())))
	}
	control.WriteError(w, errors.NewTooManyRequestsError("rate limit exceeded", nil))
}

func (g *Gateway) authorize(object, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.check(w, r, next, object, action)
		})
	}
}

// authorizeByMethod maps safe methods to read and the rest to write
func (g *Gateway) authorizeByMethod(object string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			action := ActionWrite
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				action = ActionRead
			}
			g.check(w, r, next, object, action)
		})
	}
}

func (g *Gateway) check(w http.ResponseWriter, r *http.Request, next http.Handler, object, action string) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		control.WriteError(w, errors.NewUnauthorizedError("authentication required", nil))
		return
	}

	allowed, err := g.authorizer.Allowed(principal.Role, object, action)
	if err != nil {
		g.logger.Errorf("Authorization check failed: %v", err)
		control.WriteError(w, errors.NewInternalError("authorization check failed", err))
		return
	}
	if !allowed {
		control.WriteError(w, errors.NewForbiddenError(
			fmt.Sprintf("role %s may not %s %s", principal.Role, action, object), nil))
		return
	}
	next.ServeHTTP(w, r)
}
