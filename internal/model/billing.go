package model

import "time"

// ModelPricing is an active pricing row for a (provider, model) pair.
// Prices are USD per million tokens.
type ModelPricing struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
	Active        bool    `json:"active"`
}

// TokenUsage tracks token consumption for one agent call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// UsageRecord is an append-only record of one metered agent call.
type UsageRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ProjectID    string    `json:"project_id,omitempty"`
	TaskType     string    `json:"task_type"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ledger entry kinds.
const (
	LedgerKindUsageDeduction = "usage_deduction"
	LedgerKindGrant          = "grant"
	LedgerKindTopup          = "topup"
)

// LedgerEntry is one immutable signed balance change for a user. A negative
// amount is a usage deduction; positive amounts are grants or top-ups.
// UsageRecordID links a deduction to the call it pays for.
type LedgerEntry struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	ProjectID     string    `json:"project_id,omitempty"`
	UsageRecordID string    `json:"usage_record_id,omitempty"`
	Kind          string    `json:"kind"`
	Amount        float64   `json:"amount"`
	CostUSD       float64   `json:"cost_usd,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
