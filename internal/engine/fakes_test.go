package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/stream-agency/internal/domain"
)

// In-memory дублеры хранилищ. Семантика повторяет Postgres-слой:
// per-agent записи атомарны, Confirm работает только по sealed-строке.

type fakeAgentStore struct {
	mu     sync.Mutex
	nextID int64
	agents map[int64]*domain.Agent
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{agents: make(map[int64]*domain.Agent)}
}

func (s *fakeAgentStore) add(address string, feeBps int, nextDue *time.Time) *domain.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a := &domain.Agent{
		ID:      s.nextID,
		Address: address,
		FeeBps:  feeBps,
		Status:  domain.StatusEnrolled,
		NextDue: nextDue,
	}
	s.agents[a.ID] = a
	return a
}

func (s *fakeAgentStore) get(id int64) domain.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.agents[id]
}

func (s *fakeAgentStore) Due(ctx context.Context, now time.Time) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Agent
	for _, a := range s.agents {
		if a.Status != domain.StatusEnrolled {
			continue
		}
		if a.NextDue == nil || !a.NextDue.After(now) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeAgentStore) RecordSuccess(ctx context.Context, id int64, expectedEnd, nextDue time.Time, fee float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return domain.ErrUnknownAgent
	}
	a.ExpectedEnd = &expectedEnd
	a.NextDue = &nextDue
	a.RetryStep = 0
	a.SuccessCount++
	a.ConsecutiveFailures = 0
	a.FeeDue += fee
	a.LastError = ""
	return nil
}

func (s *fakeAgentStore) RecordReschedule(ctx context.Context, id int64, expectedEnd, nextDue time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return domain.ErrUnknownAgent
	}
	a.ExpectedEnd = &expectedEnd
	a.NextDue = &nextDue
	a.RetryStep = 0
	return nil
}

func (s *fakeAgentStore) RecordFailure(ctx context.Context, id int64, retryAt time.Time, retryStep int, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return domain.ErrUnknownAgent
	}
	a.NextDue = &retryAt
	a.RetryStep = retryStep
	a.FailureCount++
	a.ConsecutiveFailures++
	a.LastError = errDetail
	return nil
}

type windowKey struct {
	agentID int64
	epoch   uint64
}

type fakeWindowStore struct {
	mu      sync.Mutex
	rows    map[windowKey]*domain.UsageWindow
	address map[int64]string
}

func newFakeWindowStore() *fakeWindowStore {
	return &fakeWindowStore{
		rows:    make(map[windowKey]*domain.UsageWindow),
		address: make(map[int64]string),
	}
}

func (s *fakeWindowStore) seed(agentID int64, epoch uint64, windows int, sealed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[windowKey{agentID, epoch}] = &domain.UsageWindow{
		AgentID: agentID,
		Address: s.address[agentID],
		Epoch:   epoch,
		Windows: windows,
		Sealed:  sealed,
	}
}

func (s *fakeWindowStore) get(agentID int64, epoch uint64) domain.UsageWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.rows[windowKey{agentID, epoch}]; ok {
		return *w
	}
	return domain.UsageWindow{}
}

func (s *fakeWindowStore) RecordWindow(ctx context.Context, agentID int64, epoch uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := windowKey{agentID, epoch}
	if w, ok := s.rows[key]; ok {
		if w.Sealed {
			return false, nil
		}
		w.Windows++
		return true, nil
	}
	s.rows[key] = &domain.UsageWindow{
		AgentID: agentID,
		Address: s.address[agentID],
		Epoch:   epoch,
		Windows: 1,
	}
	return true, nil
}

func (s *fakeWindowStore) SealBelow(ctx context.Context, currentEpoch uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, w := range s.rows {
		if w.Epoch < currentEpoch && !w.Sealed {
			w.Sealed = true
			n++
		}
	}
	return n, nil
}

func (s *fakeWindowStore) BillingCandidates(ctx context.Context) ([]*domain.UsageWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.UsageWindow
	for _, w := range s.rows {
		if w.Sealed && !w.Billed && !w.NeedsReview && w.Windows > 0 {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Epoch != out[j].Epoch {
			return out[i].Epoch < out[j].Epoch
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

func (s *fakeWindowStore) FlagReview(ctx context.Context, agentID int64, epoch uint64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.rows[windowKey{agentID, epoch}]; ok {
		w.NeedsReview = true
		w.LastError = lastError
	}
	return nil
}

func (s *fakeWindowStore) SetLastError(ctx context.Context, agentID int64, epoch uint64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.rows[windowKey{agentID, epoch}]; ok {
		w.LastError = msg
	}
	return nil
}

type fakeBillingStore struct {
	mu       sync.Mutex
	nextID   int64
	attempts map[int64]*domain.BillingAttempt
	windows  *fakeWindowStore
}

func newFakeBillingStore(windows *fakeWindowStore) *fakeBillingStore {
	return &fakeBillingStore{
		attempts: make(map[int64]*domain.BillingAttempt),
		windows:  windows,
	}
}

func (s *fakeBillingStore) all() []domain.BillingAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BillingAttempt, 0, len(s.attempts))
	for id := int64(1); id <= s.nextID; id++ {
		if a, ok := s.attempts[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}

func (s *fakeBillingStore) Insert(ctx context.Context, a *domain.BillingAttempt) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *a
	cp.ID = s.nextID
	s.attempts[cp.ID] = &cp
	return cp.ID, nil
}

func (s *fakeBillingStore) Pending(ctx context.Context) ([]*domain.BillingAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.BillingAttempt
	for id := int64(1); id <= s.nextID; id++ {
		if a, ok := s.attempts[id]; ok && a.Status == domain.BillingPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeBillingStore) HasPending(ctx context.Context, agentID int64, epoch uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.AgentID == agentID && a.Epoch == epoch && a.Status == domain.BillingPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeBillingStore) FailedCount(ctx context.Context, agentID int64, epoch uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.AgentID == agentID && a.Epoch == epoch && a.Status == domain.BillingFailed {
			n++
		}
	}
	return n, nil
}

func (s *fakeBillingStore) MarkFailed(ctx context.Context, attemptID int64, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %d not found", attemptID)
	}
	a.Status = domain.BillingFailed
	a.ErrorDetail = detail
	return nil
}

// Confirm повторяет транзакцию Postgres-слоя: подтверждение попытки и
// пометка billed — одно атомарное действие, и только по sealed-строке.
func (s *fakeBillingStore) Confirm(ctx context.Context, attemptID, agentID int64, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %d not found", attemptID)
	}

	s.windows.mu.Lock()
	defer s.windows.mu.Unlock()
	w, ok := s.windows.rows[windowKey{agentID, epoch}]
	if !ok || !w.Sealed {
		return fmt.Errorf("no sealed window for agent %d epoch %d", agentID, epoch)
	}

	a.Status = domain.BillingConfirmed
	w.Billed = true
	now := time.Now()
	w.BilledAt = &now
	return nil
}

type fakeGuard struct {
	mu        sync.Mutex
	suspended map[string]bool
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{suspended: make(map[string]bool)}
}

func (g *fakeGuard) suspend(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspended[address] = true
}

func (g *fakeGuard) IsSuspended(address string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended[address]
}
