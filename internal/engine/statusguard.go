package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/stream-agency/internal/infra"
)

// StatusGuard держит в памяти множество отстраненных агентов
// (paused/removed) и синхронизирует его через Redis. Источник истины —
// Postgres: выборка Due и так фильтрует по статусу, guard нужен, чтобы
// pause/remove, выданные оператором посреди тика, гасили пробу сразу,
// без круга через базу.
type StatusGuard struct {
	mu        sync.RWMutex
	suspended map[string]struct{}
	rdb       *redis.Client
	logger    *zap.Logger
}

func NewStatusGuard(rdb *redis.Client, logger *zap.Logger) *StatusGuard {
	return &StatusGuard{
		suspended: make(map[string]struct{}),
		rdb:       rdb,
		logger:    logger.Named("status-guard"),
	}
}

// Init загружает текущее множество отстраненных при старте сервиса.
func (g *StatusGuard) Init(ctx context.Context) error {
	if g.rdb == nil {
		return nil // Без Redis guard инертен (manual/tick режим)
	}

	addresses, err := g.rdb.SMembers(ctx, infra.RedisKeySuspendedAgents).Result()
	if err != nil {
		return err
	}

	g.mu.Lock()
	for _, addr := range addresses {
		g.suspended[addr] = struct{}{}
	}
	g.mu.Unlock()
	return nil
}

func (g *StatusGuard) IsSuspended(address string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.suspended[address]
	return ok
}

func (g *StatusGuard) set(address string, suspended bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if suspended {
		g.suspended[address] = struct{}{}
	} else {
		delete(g.suspended, address)
	}
}

// StartListener — живучая подписка на сигналы смены статуса.
// Переподключение с ресинхронизацией через Init при каждом коннекте.
func (g *StatusGuard) StartListener(ctx context.Context) {
	if g.rdb == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pubsub := g.rdb.Subscribe(ctx, infra.RedisChanAgentStatus)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			g.logger.Error("failed to subscribe",
				zap.String("chan", infra.RedisChanAgentStatus), zap.Error(err))
			pubsub.Close()

			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Ресинхронизация при каждом успешном коннекте
		if err := g.Init(ctx); err != nil {
			g.logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				// Формат "address:suspended" / "address:active"
				parts := strings.Split(msg.Payload, ":")
				if len(parts) != 2 {
					g.logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}

				g.set(parts[0], parts[1] == "suspended")
			}
		}
		pubsub.Close()
	}
}
