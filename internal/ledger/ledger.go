package ledger

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/forgeworks/devloop/internal/model"
	"github.com/forgeworks/devloop/internal/store"
)

// Config holds credit conversion parameters.
type Config struct {
	// CreditValueUSD is the USD value of one credit.
	CreditValueUSD float64 `yaml:"credit_value_usd" mapstructure:"credit_value_usd"`
	// Markup multiplies the raw provider cost before conversion to credits.
	Markup float64 `yaml:"markup" mapstructure:"markup"`
}

// DefaultConfig returns the standard conversion parameters.
func DefaultConfig() Config {
	return Config{CreditValueUSD: 0.01, Markup: 1.2}
}

// CreditLedger meters agent calls against user credit balances. All balance
// changes go through the store's ledger transaction, so the invariant
// balance == sum of entry amounts holds per user.
type CreditLedger struct {
	store store.Store
	cfg   Config
}

// New creates a CreditLedger backed by the given store.
func New(st store.Store, cfg Config) *CreditLedger {
	if cfg.CreditValueUSD <= 0 {
		cfg.CreditValueUSD = DefaultConfig().CreditValueUSD
	}
	if cfg.Markup <= 0 {
		cfg.Markup = DefaultConfig().Markup
	}
	return &CreditLedger{store: st, cfg: cfg}
}

// CostUSD computes the provider cost of a call from per-MTok pricing.
func CostUSD(pricing model.ModelPricing, usage model.TokenUsage) float64 {
	inCost := (float64(usage.InputTokens) / 1e6) * pricing.InputPerMTok
	outCost := (float64(usage.OutputTokens) / 1e6) * pricing.OutputPerMTok
	return inCost + outCost
}

// Credits converts a USD cost to credits, rounded to two decimal places.
func (l *CreditLedger) Credits(costUSD float64) float64 {
	return math.Round(costUSD/l.cfg.CreditValueUSD*l.cfg.Markup*100) / 100
}

// Call describes one metered agent invocation.
type Call struct {
	UserID    string
	ProjectID string
	TaskType  string
	Provider  string
	Model     string
	Usage     model.TokenUsage
}

// MeterCall records usage for an agent call and deducts the corresponding
// credits. When no active pricing row exists for the model, the usage record
// is still written with zero cost and no deduction happens. A deduction that
// rounds to zero or below is skipped as well.
//
// Best effort: metering failures are returned for the caller to log, never
// to abort the work that already happened.
func (l *CreditLedger) MeterCall(ctx context.Context, call Call) (*model.UsageRecord, error) {
	pricing, err := l.store.GetPricing(ctx, call.Provider, call.Model)
	if err != nil {
		return nil, err
	}

	costUSD := 0.0
	if pricing != nil {
		costUSD = CostUSD(*pricing, call.Usage)
	}

	rec := &model.UsageRecord{
		UserID:       call.UserID,
		ProjectID:    call.ProjectID,
		TaskType:     call.TaskType,
		Provider:     call.Provider,
		Model:        call.Model,
		InputTokens:  call.Usage.InputTokens,
		OutputTokens: call.Usage.OutputTokens,
		CostUSD:      costUSD,
	}
	if err := l.store.InsertUsage(ctx, rec); err != nil {
		return nil, err
	}

	if pricing == nil {
		zap.L().Debug("no pricing row, skipping deduction",
			zap.String("provider", call.Provider),
			zap.String("model", call.Model))
		return rec, nil
	}

	credits := l.Credits(costUSD)
	if credits <= 0 {
		return rec, nil
	}

	_, err = l.store.AppendLedgerEntry(ctx, &model.LedgerEntry{
		UserID:        call.UserID,
		ProjectID:     call.ProjectID,
		UsageRecordID: rec.ID,
		Kind:          model.LedgerKindUsageDeduction,
		Amount:        -credits,
		CostUSD:       costUSD,
		Description:   call.TaskType,
	})
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// Grant credits a user with a positive amount, for top-ups and signup bonuses.
func (l *CreditLedger) Grant(ctx context.Context, userID string, amount float64, kind, description string) (float64, error) {
	return l.store.AppendLedgerEntry(ctx, &model.LedgerEntry{
		UserID:      userID,
		Kind:        kind,
		Amount:      amount,
		Description: description,
	})
}

// Balance returns the user's current credit balance.
func (l *CreditLedger) Balance(ctx context.Context, userID string) (float64, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.CreditBalance, nil
}
