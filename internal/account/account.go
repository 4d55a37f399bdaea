package account

import (
	"time"
)

type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomeFlat Outcome = "flat"
)

// OutcomeOf 按已实现盈亏归类。
func OutcomeOf(realized float64) Outcome {
	switch {
	case realized > 1e-8:
		return OutcomeWin
	case realized < -1e-8:
		return OutcomeLoss
	default:
		return OutcomeFlat
	}
}

// Account 是进程级账户/风控状态，只由调度器修改。
type Account struct {
	Capital         float64              `json:"capital"`
	Equity          float64              `json:"equity"`
	HighWaterMark   float64              `json:"high_water_mark"`
	RiskCapitalBase float64              `json:"risk_capital_base"`
	Drawdown        float64              `json:"drawdown"`
	CooldownUntil   map[string]time.Time `json:"cooldown_until"`
	LastOutcome     map[string]Outcome   `json:"last_outcome"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

func New(initialEquity float64) *Account {
	a := &Account{
		CooldownUntil: make(map[string]time.Time),
		LastOutcome:   make(map[string]Outcome),
	}
	if initialEquity > 0 {
		a.Equity = initialEquity
		a.Capital = initialEquity
		a.HighWaterMark = initialEquity
		a.RiskCapitalBase = initialEquity
	}
	return a
}

// UpdateEquity 每次权益更新时重算回撤；HWM 与风险资金基数只升不降。
func (a *Account) UpdateEquity(equity, free float64, at time.Time) (newHigh bool) {
	if equity <= 0 {
		return false
	}
	a.Equity = equity
	if free >= 0 {
		a.Capital = free
	}
	if equity > a.HighWaterMark {
		a.HighWaterMark = equity
		a.RiskCapitalBase = equity
		newHigh = true
	}
	if a.RiskCapitalBase <= 0 {
		a.RiskCapitalBase = a.HighWaterMark
	}
	a.Drawdown = DrawdownFraction(a.HighWaterMark, equity)
	a.UpdatedAt = at
	return newHigh
}

// DrawdownFraction = (hwm - equity) / hwm，下限 0。
func DrawdownFraction(hwm, equity float64) float64 {
	if hwm <= 0 || equity >= hwm {
		return 0
	}
	d := (hwm - equity) / hwm
	if d > 1 {
		return 1
	}
	return d
}

func (a *Account) StartCooldown(symbol string, until time.Time, outcome Outcome) {
	a.ensureMaps()
	a.CooldownUntil[symbol] = until
	a.LastOutcome[symbol] = outcome
}

func (a *Account) InCooldown(symbol string, now time.Time) (bool, time.Time) {
	until, ok := a.CooldownUntil[symbol]
	if !ok || until.IsZero() {
		return false, time.Time{}
	}
	return now.Before(until), until
}

// Clone 供快照读取使用。
func (a *Account) Clone() *Account {
	if a == nil {
		return New(0)
	}
	cp := *a
	cp.CooldownUntil = make(map[string]time.Time, len(a.CooldownUntil))
	for k, v := range a.CooldownUntil {
		cp.CooldownUntil[k] = v
	}
	cp.LastOutcome = make(map[string]Outcome, len(a.LastOutcome))
	for k, v := range a.LastOutcome {
		cp.LastOutcome[k] = v
	}
	return &cp
}

func (a *Account) ensureMaps() {
	if a.CooldownUntil == nil {
		a.CooldownUntil = make(map[string]time.Time)
	}
	if a.LastOutcome == nil {
		a.LastOutcome = make(map[string]Outcome)
	}
}
