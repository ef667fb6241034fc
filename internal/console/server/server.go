package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/stream-agency/internal/console/handler"
	"github.com/xela07ax/stream-agency/internal/infra"
	"github.com/xela07ax/stream-agency/internal/infra/auth"
)

// ConsoleServer — intake-поверхность агентства: жизненный цикл
// агентов, отчеты, ручной тик. Один процесс, один HTTP-порт.
type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	authValidator auth.TokenValidator

	authHandler   *handler.AuthHandler   // /auth/token
	agentHandler  *handler.AgentHandler  // /enroll, /pause, /resume, /remove
	reportHandler *handler.ReportHandler // /report, /agent, /billing-attempts, /health
	tickHandler   *handler.TickHandler   // /tick
}

// NewConsoleServer инициализирует intake-сервер со всеми зависимостями
func NewConsoleServer(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	agentH *handler.AgentHandler,
	reportH *handler.ReportHandler,
	tickH *handler.TickHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("intake-api"),
		cfg:           cfg,
		authValidator: validator,
		authHandler:   authH,
		agentHandler:  agentH,
		reportHandler: reportH,
		tickHandler:   tickH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.authHandler.Login)
		r.Get("/health", s.reportHandler.Health)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (JWT или статический API-ключ) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.cfg.Auth.APIToken, s.logger))

		// Жизненный цикл агентов
		r.Post("/enroll", s.agentHandler.Enroll)
		r.Post("/pause", s.agentHandler.Pause)
		r.Post("/resume", s.agentHandler.Resume)
		r.Post("/remove", s.agentHandler.Remove)

		// Отчетность
		r.Get("/report", s.reportHandler.Report)
		r.Get("/agent", s.reportHandler.Agent)
		r.Get("/billing-attempts", s.reportHandler.BillingAttempts)

		// Ручной проход планировщика
		r.Post("/tick", s.tickHandler.Tick)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
