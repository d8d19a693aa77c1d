// Package router wires up the index API routes and applies the middleware
// chain (RequestID → Metrics → CORS → Auth → RateLimit → Timeout).
package router

import (
	"net/http"
	"time"

	"github.com/nabulines/nabulines/internal/api/handler"
	apimw "github.com/nabulines/nabulines/internal/api/middleware"
	"github.com/nabulines/nabulines/internal/auth/apikey"
	"github.com/nabulines/nabulines/pkg/health"
	"github.com/nabulines/nabulines/pkg/metrics"
	pkgmw "github.com/nabulines/nabulines/pkg/middleware"
)

// Deps carries everything the router needs. Metrics and Health are optional.
type Deps struct {
	Handler        *handler.Handler
	Validator      apimw.KeyValidator
	Limiter        apimw.Limiter
	Auth           apimw.AuthOptions
	RateWindow     time.Duration
	RequestTimeout time.Duration
	CORS           apimw.CORSConfig
	Metrics        *metrics.Metrics
	Health         *health.Checker
}

// New builds the full HTTP handler with all routes and middleware.
//
// Route table:
//
//	PUT    /api/v1/records/{type}/{id}                   → Put                (writer)
//	POST   /api/v1/records/{type}                        → Put, generated id  (writer)
//	GET    /api/v1/records/{type}/{id}                   → Get                (reader)
//	PATCH  /api/v1/records/{type}/{id}/attributes/{attr} → UpdateAttribute    (writer)
//	DELETE /api/v1/records/{type}/{id}                   → Remove             (admin)
//	GET    /api/v1/records/{type}?attr=&value=           → QueryByAttribute   (reader)
//	GET    /api/v1/records/{type}/range?attr=&min=&max=  → QueryByRange       (reader)
//	GET    /api/v1/records/{type}/top?attr=&n=           → Top                (reader)
//	GET    /api/v1/types                                 → schemas            (reader)
//	POST   /api/v1/admin/rebuild[/{type}]?dry_run=       → Rebuild / Verify   (admin)
//	GET    /api/v1/admin/rebuilds                        → rebuild history    (admin)
//	POST   /api/v1/admin/keys                            → create API key     (admin)
//	GET    /api/v1/admin/keys                            → list API keys      (admin)
//	GET    /health/live, /health/ready, /metrics         → unauthenticated
//
// The literal segments range and top shadow record ids with those names on GET.
func New(d Deps) http.Handler {
	h := d.Handler
	mux := http.NewServeMux()

	if d.Health != nil {
		mux.HandleFunc("GET /health/live", d.Health.LiveHandler())
		mux.HandleFunc("GET /health/ready", d.Health.ReadyHandler())
	}
	if d.Metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	reader := func(f http.HandlerFunc) http.HandlerFunc { return apimw.RequireRole(apikey.RoleReader, f) }
	writer := func(f http.HandlerFunc) http.HandlerFunc { return apimw.RequireRole(apikey.RoleWriter, f) }
	admin := func(f http.HandlerFunc) http.HandlerFunc { return apimw.RequireRole(apikey.RoleAdmin, f) }

	// Records
	mux.HandleFunc("PUT /api/v1/records/{type}/{id}", writer(h.PutRecord))
	mux.HandleFunc("POST /api/v1/records/{type}", writer(h.CreateRecord))
	mux.HandleFunc("GET /api/v1/records/{type}/{id}", reader(h.GetRecord))
	mux.HandleFunc("PATCH /api/v1/records/{type}/{id}/attributes/{attr}", writer(h.UpdateAttribute))
	mux.HandleFunc("DELETE /api/v1/records/{type}/{id}", admin(h.DeleteRecord))

	// Queries
	mux.HandleFunc("GET /api/v1/records/{type}", reader(h.QueryRecords))
	mux.HandleFunc("GET /api/v1/records/{type}/range", reader(h.QueryRange))
	mux.HandleFunc("GET /api/v1/records/{type}/top", reader(h.Top))
	mux.HandleFunc("GET /api/v1/types", reader(h.ListTypes))

	// Admin
	mux.HandleFunc("POST /api/v1/admin/rebuild", admin(h.Rebuild))
	mux.HandleFunc("POST /api/v1/admin/rebuild/{type}", admin(h.Rebuild))
	mux.HandleFunc("GET /api/v1/admin/rebuilds", admin(h.ListRebuilds))
	mux.HandleFunc("GET /api/v1/admin/rebuilds/{type}/latest", admin(h.LatestRebuild))
	mux.HandleFunc("POST /api/v1/admin/keys", admin(h.CreateAPIKey))
	mux.HandleFunc("GET /api/v1/admin/keys", admin(h.ListAPIKeys))

	// Middleware chain, applied inside-out:
	// request → RequestID → Metrics → CORS → Auth → RateLimit → Timeout → mux
	var chain http.Handler = mux
	if d.RequestTimeout > 0 {
		chain = pkgmw.Timeout(d.RequestTimeout)(chain)
	}
	chain = apimw.RateLimit(d.Limiter, d.RateWindow)(chain)
	chain = apimw.Auth(d.Validator, d.Auth)(chain)
	chain = apimw.CORS(d.CORS)(chain)
	if d.Metrics != nil {
		chain = pkgmw.Metrics(d.Metrics)(chain)
	}
	chain = pkgmw.RequestID(chain)

	return chain
}
