package domain

import "time"

// UsageTotals — агрегат по окнам агента для отчетности.
type UsageTotals struct {
	Pending     int  `json:"pending_windows"` // Окна, еще не выставленные в счет
	Billed      int  `json:"billed_windows"`
	NeedsReview bool `json:"needs_review"`
}

// AgentReport — строка сводного отчета оператору.
type AgentReport struct {
	Agent
	PendingWindows int  `json:"pending_windows"`
	BilledWindows  int  `json:"billed_windows"`
	NeedsReview    bool `json:"needs_review"`
	HealthOK       bool `json:"health_ok"`
}

// TickStats — итог одного прохода планировщика.
type TickStats struct {
	Processed    int `json:"processed"`
	OK           int `json:"ok"`
	Failed       int `json:"failed"`
	WindowsAdded int `json:"windows_added"`
	Sealed       int `json:"sealed"`

	BillingCandidates int `json:"billing_candidates"`
	BillingSubmitted  int `json:"billing_submitted"`
	BillingConfirmed  int `json:"billing_confirmed"`
	BillingFailed     int `json:"billing_failed"`
	FlaggedForReview  int `json:"flagged_for_review"`

	ChainEpoch *uint64 `json:"chain_epoch,omitempty"`
	EpochError string  `json:"epoch_error,omitempty"`

	StartedAt time.Time `json:"started_at"`
	Duration  int64     `json:"duration_ms"`
}
