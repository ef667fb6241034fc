package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/stream-agency/internal/domain"
)

// ReportRepository — данные для сводной отчетности оператору.
type ReportRepository interface {
	List(ctx context.Context) ([]*domain.Agent, error)
	GetByAddress(ctx context.Context, address string) (*domain.Agent, error)
}

type UsageRepository interface {
	AggregateUsage(ctx context.Context) (map[int64]domain.UsageTotals, error)
}

type AttemptReader interface {
	RecentByAgent(ctx context.Context, agentID int64, limit int) ([]*domain.Attempt, error)
	Ping(ctx context.Context) error
}

type BillingReader interface {
	Recent(ctx context.Context, limit int) ([]*domain.BillingAttempt, error)
}

type ReportService struct {
	agents   ReportRepository
	usage    UsageRepository
	attempts AttemptReader
	billing  BillingReader

	failureThreshold int
	logger           *zap.Logger
}

func NewReportService(
	agents ReportRepository,
	usage UsageRepository,
	attempts AttemptReader,
	billing BillingReader,
	failureThreshold int,
	logger *zap.Logger,
) *ReportService {
	return &ReportService{
		agents:           agents,
		usage:            usage,
		attempts:         attempts,
		billing:          billing,
		failureThreshold: failureThreshold,
		logger:           logger.Named("report"),
	}
}

// Report — сводная таблица по всем агентам: расписание, счетчики,
// окна (ожидают/забиллено) и пороговый флаг здоровья.
func (s *ReportService) Report(ctx context.Context) ([]domain.AgentReport, error) {
	agents, err := s.agents.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: could not fetch agents: %w", err)
	}

	totals, err := s.usage.AggregateUsage(ctx)
	if err != nil {
		// Отчет без агрегата окон лучше, чем никакой
		s.logger.Warn("usage aggregate failed, report degraded", zap.Error(err))
		totals = map[int64]domain.UsageTotals{}
	}

	// Фронтенд должен получить пустой массив [], а не null
	out := make([]domain.AgentReport, 0, len(agents))
	for _, agent := range agents {
		t := totals[agent.ID]
		out = append(out, domain.AgentReport{
			Agent:          *agent,
			PendingWindows: t.Pending,
			BilledWindows:  t.Billed,
			NeedsReview:    t.NeedsReview,
			HealthOK:       agent.Healthy(s.failureThreshold),
		})
	}
	return out, nil
}

// AgentDetails — карточка агента с последними пробами.
func (s *ReportService) AgentDetails(ctx context.Context, address string) (*domain.Agent, []*domain.Attempt, error) {
	agent, err := s.agents.GetByAddress(ctx, address)
	if err != nil {
		return nil, nil, err
	}

	attempts, err := s.attempts.RecentByAgent(ctx, agent.ID, 20)
	if err != nil {
		s.logger.Warn("recent attempts fetch failed",
			zap.String("address", address), zap.Error(err))
		attempts = []*domain.Attempt{}
	}
	if attempts == nil {
		attempts = []*domain.Attempt{}
	}
	return agent, attempts, nil
}

// BillingHistory — последние попытки биллинга по всем агентам.
func (s *ReportService) BillingHistory(ctx context.Context, limit int) ([]*domain.BillingAttempt, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	attempts, err := s.billing.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("service: could not fetch billing attempts: %w", err)
	}
	if attempts == nil {
		attempts = []*domain.BillingAttempt{}
	}
	return attempts, nil
}

// Healthz проверяет доступность базы для /health.
func (s *ReportService) Healthz(ctx context.Context) error {
	return s.attempts.Ping(ctx)
}
