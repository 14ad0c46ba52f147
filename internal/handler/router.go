package handler

import (
	_ "embed"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	openapi "github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/draft-dashboard/backend/internal/handler/auth"
	"github.com/zhouzirui/draft-dashboard/backend/internal/handler/league"
	middlewarePkg "github.com/zhouzirui/draft-dashboard/backend/internal/middleware"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Dependencies 路由所需的服务。
type Dependencies struct {
	Capture      auth.Service
	League       league.Client
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
	PollInterval time.Duration

	// AllowedOrigins 允许跨域连接 watch websocket 的来源
	AllowedOrigins []string
}

// NewRouter 将 HTTP 路由连接到核心服务
func NewRouter(deps Dependencies) http.Handler {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	authHandler := auth.New(deps.Capture,
		auth.WithLogger(deps.Logger),
		auth.WithPollInterval(deps.PollInterval),
		auth.WithAllowedOrigins(deps.AllowedOrigins...),
	)
	leagueHandler := league.New(deps.League, deps.Logger)

	r.Route("/api", func(api chi.Router) {
		api.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/yaml")
			_, _ = w.Write(openapiSpec)
		})
		api.Handle("/docs*", openapi.SwaggerUI(openapi.SwaggerUIOpts{
			SpecURL: "/api/openapi.yaml",
			Path:    "api/docs",
		}, nil))

		// 登录 token 捕获
		api.Route("/auth", authHandler.RegisterRoutes)

		// 联赛 API 代理
		api.Route("/prem", leagueHandler.RegisterRoutes)
	})

	return r
}
