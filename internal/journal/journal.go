package journal

/*
Журнал проб (Attempt log) — append-only след каждого обращения к
стриминговому эндпоинту.

Запись идет мимо hot path планировщика:
- Non-blocking: события уходят в буферизованный канал, задержки БД не
  растягивают тик.
- Batching: воркер копит пачку и пишет ее одним Bulk Insert по таймеру
  или при достижении лимита.
- Drain Pattern: на Stop() канал запирается, воркер вычитывает остаток
  и делает финальный flush — при штатной остановке записи не теряются.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/stream-agency/internal/domain"
)

// StorageInterface определяет, куда физически сохраняются записи.
type StorageInterface interface {
	WriteBatch(ctx context.Context, attempts []domain.Attempt) error
}

// Recorder — то, что видит планировщик.
type Recorder interface {
	Record(attempt domain.Attempt)
}

type Journal struct {
	ch     chan domain.Attempt
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup

	// mu закрывает гонку Record/Stop: канал закрывается строго после
	// того, как все писатели вышли из-под RLock
	mu     sync.RWMutex
	closed bool

	// Fill отдает заполненность буфера для метрики backpressure
	fill atomic.Int64
}

func New(repo StorageInterface, logger *zap.Logger) *Journal {
	return &Journal{
		ch:     make(chan domain.Attempt, 10000),
		repo:   repo,
		logger: logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход в канал и ждет, пока воркер всё допишет.
// Эксклюзивный Lock берется только здесь: он дожидается выхода всех
// писателей, поэтому send-to-closed-channel невозможен.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	j.logger.Info("stopping journal: flushing buffer...")
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

// Fill — текущее количество событий в буфере.
func (j *Journal) Fill() int64 {
	return j.fill.Load()
}

func (j *Journal) Record(attempt domain.Attempt) {
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		j.logger.Warn("attempt record dropped: journal is stopping",
			zap.Int64("agent_id", attempt.AgentID))
		return
	}

	// Load Shedding: при переполнении буфера запись уходит в лог,
	// а не блокирует планировщик
	select {
	case j.ch <- attempt:
		j.fill.Add(1)
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.Int64("agent_id", attempt.AgentID),
			zap.String("reason", attempt.Reason))
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]domain.Attempt, 0, 100)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст к этому моменту может быть закрыт
			if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
				j.logger.Error("journal flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case attempt, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop() — вычитали остаток, финальный flush
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			j.fill.Add(-1)
			batch = append(batch, attempt)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
