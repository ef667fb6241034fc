package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/stream-agency/internal/chain"
	"github.com/xela07ax/stream-agency/internal/domain"
	"github.com/xela07ax/stream-agency/internal/journal"
	"github.com/xela07ax/stream-agency/internal/stream"
)

// AgentStore — требования планировщика к хранилищу агентов.
// Каждый метод — одна транзакционная запись по одному агенту:
// крэш посреди тика оставляет строку самосогласованной.
type AgentStore interface {
	Due(ctx context.Context, now time.Time) ([]*domain.Agent, error)
	RecordSuccess(ctx context.Context, id int64, expectedEnd, nextDue time.Time, fee float64) error
	RecordReschedule(ctx context.Context, id int64, expectedEnd, nextDue time.Time) error
	RecordFailure(ctx context.Context, id int64, retryAt time.Time, retryStep int, errDetail string) error
}

// WindowStore — леджер окон по ключу (агент, эпоха).
type WindowStore interface {
	RecordWindow(ctx context.Context, agentID int64, epoch uint64) (bool, error)
	SealBelow(ctx context.Context, currentEpoch uint64) (int64, error)
	BillingCandidates(ctx context.Context) ([]*domain.UsageWindow, error)
	FlagReview(ctx context.Context, agentID int64, epoch uint64, lastError string) error
	SetLastError(ctx context.Context, agentID int64, epoch uint64, msg string) error
}

// BillingStore — аудит попыток биллинга.
type BillingStore interface {
	Insert(ctx context.Context, a *domain.BillingAttempt) (int64, error)
	Pending(ctx context.Context) ([]*domain.BillingAttempt, error)
	HasPending(ctx context.Context, agentID int64, epoch uint64) (bool, error)
	FailedCount(ctx context.Context, agentID int64, epoch uint64) (int, error)
	MarkFailed(ctx context.Context, attemptID int64, detail string) error
	Confirm(ctx context.Context, attemptID, agentID int64, epoch uint64) error
}

// SuspensionGuard гасит пробы агентов, отстраненных посреди тика.
type SuspensionGuard interface {
	IsSuspended(address string) bool
}

// BillingParams — параметры моста биллинга (рантайм, не константы).
type BillingParams struct {
	Enabled       bool
	Contract      string
	GasLimit      uint64
	GasPrice      uint64
	RetryCeiling  int
	SubmitTimeout time.Duration
	QueryTimeout  time.Duration
}

// Params — политики и лимиты движка.
type Params struct {
	Schedule        SchedulePolicy
	Backoff         BackoffPolicy
	Workers         int           // Ограниченный фан-аут проб
	ProbeRate       rate.Limit    // Проб в секунду — внешний эндпоинт не должен видеть thundering herd
	ProbeBurst      int
	ProbeTimeout    time.Duration
	RewardPerWindow float64
	Billing         BillingParams

	// Clock инжектируется в тестах; nil — time.Now
	Clock func() time.Time
}

// Deps — внешние сотрудники движка. Stream и Chain — capability-
// интерфейсы: тест-дублеры подставляются без сети и цепочки.
type Deps struct {
	Agents  AgentStore
	Windows WindowStore
	Billing BillingStore
	Stream  stream.Client
	Chain   chain.Client
	Journal journal.Recorder
	Guard   SuspensionGuard
	Metrics *Metrics
	Logger  *zap.Logger
}

// TickState — глобальное состояние цикла, протаскиваемое через тики
// явным значением: тики независимо тестируемы, амбиентных глобалов нет.
type TickState struct {
	LastEpoch *uint64
}

// Engine — ядро агентства: планировщик продлений, монитор эпох и мост
// биллинга, которых один управляющий цикл дергает по фазам.
type Engine struct {
	agents  AgentStore
	windows WindowStore
	billing BillingStore
	stream  stream.Client
	chain   chain.Client
	journal journal.Recorder
	guard   SuspensionGuard
	metrics *Metrics
	logger  *zap.Logger

	params  Params
	limiter *rate.Limiter
	clock   func() time.Time
}

func New(deps Deps, params Params) *Engine {
	if params.Workers <= 0 {
		params.Workers = 8
	}
	if params.ProbeRate <= 0 {
		params.ProbeRate = rate.Limit(20)
	}
	if params.ProbeBurst <= 0 {
		params.ProbeBurst = 5
	}
	if params.ProbeTimeout <= 0 {
		params.ProbeTimeout = 20 * time.Second
	}
	if params.Billing.SubmitTimeout <= 0 {
		params.Billing.SubmitTimeout = 30 * time.Second
	}
	if params.Billing.QueryTimeout <= 0 {
		params.Billing.QueryTimeout = 20 * time.Second
	}

	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		agents:  deps.Agents,
		windows: deps.Windows,
		billing: deps.Billing,
		stream:  deps.Stream,
		chain:   deps.Chain,
		journal: deps.Journal,
		guard:   deps.Guard,
		metrics: metrics,
		logger:  logger.Named("engine"),
		params:  params,
		limiter: rate.NewLimiter(params.ProbeRate, params.ProbeBurst),
		clock:   clock,
	}
}

// Tick — один проход управляющего цикла:
// пробы → леджер → монитор эпох → мост биллинга.
// Ошибки одного агента/ключа не прерывают обработку остальных.
func (e *Engine) Tick(ctx context.Context, state TickState) (TickState, domain.TickStats) {
	started := e.clock()
	stats := domain.TickStats{StartedAt: started}

	// 1. Текущая эпоха цепочки. Сбой запроса — не фатален:
	// фазы эпох и биллинга просто ждут следующего тика.
	var chainEpoch *uint64
	if e.chain != nil {
		qCtx, cancel := context.WithTimeout(ctx, e.params.Billing.QueryTimeout)
		epoch, err := e.chain.CurrentEpoch(qCtx)
		cancel()
		if err != nil {
			stats.EpochError = err.Error()
			e.logger.Warn("epoch query failed, deferring to next tick", zap.Error(err))
		} else {
			chainEpoch = &epoch
			stats.ChainEpoch = &epoch
		}
	}

	// 2. Пробы должников
	e.processDue(ctx, started, chainEpoch, &stats)

	// 3. Закрытие эпох: запечатываем окна закрывшихся эпох
	if chainEpoch != nil {
		state = e.observeEpoch(ctx, state, *chainEpoch, &stats)
	}

	// 4. Мост биллинга: подтверждения, потом новые отправки.
	// Финальность опрашивается по хэндлу транзакции и от запроса эпохи
	// не зависит — подтверждения идут даже при сбое эпохи. Новые
	// отправки ждут актуальной эпохи.
	if e.params.Billing.Enabled {
		e.confirmPending(ctx, &stats)
		if chainEpoch != nil {
			e.submitSealed(ctx, &stats)
		}
	}

	stats.Duration = time.Since(started).Milliseconds()
	e.metrics.TickDuration.Observe(time.Since(started).Seconds())
	return state, stats
}

type probeOutcome struct {
	processed bool
	ok        bool
	window    bool
}

// processDue раздает должников ограниченному пулу воркеров.
// Пробы разных агентов независимы и не упорядочены между собой;
// порядок по одному агенту держится тем, что агент в выборке один раз.
func (e *Engine) processDue(ctx context.Context, now time.Time, chainEpoch *uint64, stats *domain.TickStats) {
	due, err := e.agents.Due(ctx, now)
	if err != nil {
		e.logger.Error("due agents query failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	jobs := make(chan *domain.Agent)
	results := make(chan probeOutcome, len(due))

	var wg sync.WaitGroup
	for w := 0; w < e.params.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for agent := range jobs {
				results <- e.probeOne(ctx, agent, now, chainEpoch)
			}
		}()
	}

	for _, agent := range due {
		jobs <- agent
	}
	close(jobs)
	wg.Wait()
	close(results)

	for out := range results {
		if !out.processed {
			continue
		}
		stats.Processed++
		if out.ok {
			stats.OK++
		} else {
			stats.Failed++
		}
		if out.window {
			stats.WindowsAdded++
		}
	}
}

// probeOne — полный per-agent путь: проба, журнал, исход, окно.
func (e *Engine) probeOne(ctx context.Context, agent *domain.Agent, now time.Time, chainEpoch *uint64) probeOutcome {
	// Отстранение, выданное оператором посреди тика, гасит пробу
	if e.guard != nil && e.guard.IsSuspended(agent.Address) {
		return probeOutcome{}
	}

	// Лимитер держит суммарный темп проб независимо от числа воркеров
	if err := e.limiter.Wait(ctx); err != nil {
		return probeOutcome{}
	}

	pCtx, cancel := context.WithTimeout(ctx, e.params.ProbeTimeout)
	probeStart := time.Now()
	result, probeErr := e.stream.Probe(pCtx, agent.Address, agent.Secret)
	cancel()

	e.metrics.ProbeDuration.WithLabelValues(result.Reason).Observe(time.Since(probeStart).Seconds())
	e.metrics.ProbesTotal.WithLabelValues(result.Reason).Inc()

	if probeErr != nil && result.Body == "" {
		result.Body = probeErr.Error()
	}

	if e.journal != nil {
		e.journal.Record(domain.Attempt{
			AgentID:    agent.ID,
			Address:    agent.Address,
			Timestamp:  now,
			OK:         result.OK,
			StatusCode: result.StatusCode,
			Reason:     result.Reason,
			StreamEnd:  result.StreamEnd,
			Body:       result.Body,
		})
	}

	switch {
	case result.OK:
		end := result.StreamEnd
		if end == nil {
			t := e.params.Schedule.FallbackEnd(now)
			end = &t
		}
		nextDue := e.params.Schedule.NextDue(*end)
		fee := e.params.RewardPerWindow * float64(agent.FeeBps) / 10_000.0

		if err := e.agents.RecordSuccess(ctx, agent.ID, *end, nextDue, fee); err != nil {
			e.logger.Error("record success failed",
				zap.String("address", agent.Address), zap.Error(err))
			return probeOutcome{processed: true}
		}

		out := probeOutcome{processed: true, ok: true}
		if chainEpoch != nil {
			counted, err := e.windows.RecordWindow(ctx, agent.ID, *chainEpoch)
			if err != nil {
				e.logger.Error("record window failed",
					zap.String("address", agent.Address), zap.Error(err))
			} else if counted {
				out.window = true
			} else {
				// Эпоха уже запечатана — поздний успех не считается
				e.logger.Debug("late success outside sealed epoch",
					zap.String("address", agent.Address),
					zap.Uint64("epoch", *chainEpoch))
			}
		}
		return out

	case result.Reason == domain.AttemptReasonAlreadyStreaming && result.StreamEnd != nil:
		// Окно живо без нас — перепланируемся от его конца, окно не считаем
		nextDue := e.params.Schedule.NextDue(*result.StreamEnd)
		if err := e.agents.RecordReschedule(ctx, agent.ID, *result.StreamEnd, nextDue); err != nil {
			e.logger.Error("record reschedule failed",
				zap.String("address", agent.Address), zap.Error(err))
			return probeOutcome{processed: true}
		}
		return probeOutcome{processed: true, ok: true}

	default:
		detail := fmt.Sprintf("%d: %s", result.StatusCode, truncate(result.Body, 300))
		if probeErr != nil {
			detail = truncate(probeErr.Error(), 300)
		}

		retryAt, nextStep := e.params.Backoff.Next(now, agent.RetryStep)
		if err := e.agents.RecordFailure(ctx, agent.ID, retryAt, nextStep, detail); err != nil {
			e.logger.Error("record failure failed",
				zap.String("address", agent.Address), zap.Error(err))
		}
		return probeOutcome{processed: true}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
