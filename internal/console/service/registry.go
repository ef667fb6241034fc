package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/stream-agency/internal/domain"
	"github.com/xela07ax/stream-agency/internal/engine"
	"github.com/xela07ax/stream-agency/internal/infra"
)

// RegistryRepository описывает требования реестра к хранилищу агентов
type RegistryRepository interface {
	Create(ctx context.Context, address, signature string, feeBps int) (*domain.Agent, error)
	GetByAddress(ctx context.Context, address string) (*domain.Agent, error)
	UpdateStatus(ctx context.Context, address string, status domain.AgentStatus) error
	SeedSchedule(ctx context.Context, address string, expectedEnd, nextDue time.Time) error
}

// RegistryService — жизненный цикл агентов: запись, пауза, возврат,
// удаление. Любая смена статуса проходит через таблицу переходов
// и дублируется сигналом в Redis для планировщика.
type RegistryService struct {
	repo     RegistryRepository
	verifier SignatureVerifier
	schedule engine.SchedulePolicy
	rdb      *redis.Client
	logger   *zap.Logger
}

func NewRegistryService(
	repo RegistryRepository,
	verifier SignatureVerifier,
	schedule engine.SchedulePolicy,
	rdb *redis.Client,
	logger *zap.Logger,
) *RegistryService {
	return &RegistryService{
		repo:     repo,
		verifier: verifier,
		schedule: schedule,
		rdb:      rdb,
		logger:   logger.Named("registry"),
	}
}

// Enroll записывает агента под управление агентства.
// Подпись проверяется боевой пробой ДО записи: невалидная пара
// (адрес, подпись) в реестр не попадает.
func (s *RegistryService) Enroll(ctx context.Context, address, signature string, feeBps int) (*domain.Agent, error) {
	if !domain.ValidAddress(address) {
		return nil, domain.ErrInvalidAddress
	}
	if feeBps < 0 || feeBps > 10_000 {
		return nil, domain.ErrInvalidFee
	}
	if signature == "" {
		return nil, fmt.Errorf("%w: empty signature", domain.ErrInvalidSignature)
	}

	streamEnd, err := s.verifier.VerifySignature(ctx, address, signature)
	if err != nil {
		s.logger.Warn("enroll rejected: signature verification failed",
			zap.String("address", address), zap.Error(err))
		return nil, err
	}

	agent, err := s.repo.Create(ctx, address, signature, feeBps)
	if err != nil {
		return nil, err
	}

	// Если проба при верификации уже продлила стрим — сразу сеем
	// реалистичное расписание, иначе планировщик выйдет немедленно.
	if streamEnd != nil {
		nextDue := s.schedule.NextDue(*streamEnd)
		if err := s.repo.SeedSchedule(ctx, address, *streamEnd, nextDue); err != nil {
			s.logger.Warn("seed schedule failed", zap.String("address", address), zap.Error(err))
		} else {
			agent.ExpectedEnd = streamEnd
			agent.NextDue = &nextDue
		}
	}

	// Свежезаписанный агент не должен висеть в списке отстраненных
	// от прежней жизни (remove → enroll заново)
	if s.rdb != nil {
		if err := s.rdb.SRem(ctx, infra.RedisKeySuspendedAgents, address).Err(); err != nil {
			s.logger.Warn("suspended set cleanup failed", zap.Error(err))
		}
	}

	s.logger.Info("agent enrolled",
		zap.String("address", address),
		zap.Int("fee_bps", feeBps))
	return agent, nil
}

func (s *RegistryService) Pause(ctx context.Context, address string) error {
	return s.setState(ctx, address, domain.StatusPaused, "suspended", "pause")
}

func (s *RegistryService) Resume(ctx context.Context, address string) error {
	return s.setState(ctx, address, domain.StatusEnrolled, "active", "resume")
}

func (s *RegistryService) Remove(ctx context.Context, address string) error {
	return s.setState(ctx, address, domain.StatusRemoved, "suspended", "remove")
}

// setState — унифицированный механизм переключения состояний.
// Обновляет БД и транслирует сигнал в Redis; сбой Redis не откатывает
// БД — источник истины Postgres, планировщик увидит статус в выборке.
func (s *RegistryService) setState(
	ctx context.Context,
	address string,
	status domain.AgentStatus,
	signalValue string,
	actionName string,
) error {
	agent, err := s.repo.GetByAddress(ctx, address)
	if err != nil {
		return err
	}
	if !agent.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, agent.Status, status)
	}

	// 1. Persistence Layer
	if err := s.repo.UpdateStatus(ctx, address, status); err != nil {
		s.logger.Error("failed to update agent status in DB",
			zap.String("address", address),
			zap.String("action", actionName),
			zap.Error(err))
		return fmt.Errorf("%s database error: %w", actionName, err)
	}

	// 2. Real-time Signaling
	if s.rdb != nil {
		if signalValue == "suspended" {
			err = s.rdb.SAdd(ctx, infra.RedisKeySuspendedAgents, address).Err()
		} else {
			err = s.rdb.SRem(ctx, infra.RedisKeySuspendedAgents, address).Err()
		}
		if err != nil {
			s.logger.Warn("suspended set update failed",
				zap.String("action", actionName), zap.Error(err))
		}

		payload := fmt.Sprintf("%s:%s", address, signalValue)
		if err := s.rdb.Publish(ctx, infra.RedisChanAgentStatus, payload).Err(); err != nil {
			s.logger.Warn("runtime signal delivery failed",
				zap.String("action", actionName),
				zap.String("channel", infra.RedisChanAgentStatus),
				zap.Error(err))
		}
	}

	s.logger.Info("agent state updated",
		zap.String("address", address),
		zap.String("action", actionName),
		zap.String("new_status", string(status)))
	return nil
}
