// Package ai is the optional pre-trade gate: a rule-engine decision is shown
// to an LLM which approves, rejects, or resizes it. The gate never blocks
// trading on its own failures; anything that goes wrong fails open.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/eigentrade/keeper/internal/config"
	"github.com/eigentrade/keeper/internal/types"
)

const (
	maxCompletionTokens = 256
	maxReasonLen        = 200
	rejectBelow         = 50

	// 5-minute snapshot sampling: periods per year for annualization.
	periodsPerYear = 105_120
)

// EvaluationStore records every gate call for audit.
type EvaluationStore interface {
	InsertEvaluation(ctx context.Context, ev *types.AIEvaluation) error
}

// Context is the market picture handed to the model alongside the proposal.
type Context struct {
	NativeBalance   *big.Int
	Position        *big.Int
	EntryPrice      decimal.Decimal
	CurrentPrice    decimal.Decimal
	UnrealizedPct   decimal.Decimal
	TokenRatio      decimal.Decimal
	PriceHistory    []decimal.Decimal
	RecentTrades    []*types.TradeRecord
	ExternalBuysEth decimal.Decimal
}

// Verdict is the gate's final answer after confidence rules are applied.
type Verdict struct {
	Approved       bool
	Confidence     int
	Reason         string
	AdjustedAmount *big.Int      // nil when the size stands
	SuggestedWait  time.Duration // zero when the model asks for no delay
}

// Evaluator holds one provider and the confidence policy.
type Evaluator struct {
	cfg      config.AIConfig
	provider Provider
	store    EvaluationStore
	logger   log.Logger
}

// NewEvaluator wires the configured provider. A disabled configuration or a
// provider construction failure yields an evaluator that always fails open.
func NewEvaluator(cfg config.AIConfig, store EvaluationStore) *Evaluator {
	e := &Evaluator{cfg: cfg, store: store, logger: log.New("component", "ai")}
	if !cfg.Enabled {
		return e
	}
	p, err := NewProvider(cfg.Provider, cfg.Model, cfg.APIKey, cfg.BaseURL, nil)
	if err != nil {
		e.logger.Warn("AI provider unavailable, gate will fail open", "provider", cfg.Provider, "err", err)
		return e
	}
	e.provider = p
	return e
}

func failOpen() *Verdict {
	return &Verdict{Approved: true, Confidence: 75, Reason: "ai_unavailable"}
}

// Evaluate gates one proposed action. It never returns an error: any
// provider, parse, or timeout problem produces the fail-open verdict so the
// rule engine's decision executes unchanged.
func (e *Evaluator) Evaluate(ctx context.Context, cfg *types.EigenConfig, action types.Action, mktx *Context) *Verdict {
	if !e.cfg.Enabled || e.provider == nil {
		return failOpen()
	}

	system := e.systemPrompt(cfg)
	user := e.userPrompt(cfg, action, mktx)

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.provider.Chat(callCtx, system, user, maxCompletionTokens)
	latency := time.Since(start)
	if err != nil {
		e.logger.Warn("AI call failed, failing open", "eigen", cfg.ID, "err", err)
		e.record(ctx, cfg.ID, action, failOpen(), latency, 0)
		return failOpen()
	}

	verdict, err := e.applyRules(resp.Text, action)
	if err != nil {
		e.logger.Warn("AI response unusable, failing open", "eigen", cfg.ID, "err", err)
		verdict = failOpen()
	}
	e.record(ctx, cfg.ID, action, verdict, latency, resp.InputTokens+resp.OutputTokens)
	return verdict
}

type modelVerdict struct {
	Approved       any `json:"approved"`
	Confidence     any `json:"confidence"`
	Reason         any `json:"reason"`
	AdjustedAmount any `json:"adjusted_amount_eth"`
	SuggestedWait  any `json:"suggested_wait_seconds"`
}

// applyRules parses the model's JSON and folds in the confidence policy:
// below 50 the trade is rejected outright; below the configured threshold it
// runs at half size; at or above it the model's answer stands.
func (e *Evaluator) applyRules(text string, action types.Action) (*Verdict, error) {
	obj, err := firstJSONObject(text)
	if err != nil {
		return nil, err
	}
	var mv modelVerdict
	if err := json.Unmarshal([]byte(obj), &mv); err != nil {
		return nil, err
	}

	confidence := cast.ToInt(mv.Confidence)
	if confidence < 0 {
		confidence = 0
	} else if confidence > 100 {
		confidence = 100
	}
	reason := cast.ToString(mv.Reason)
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	approved := cast.ToBool(mv.Approved)

	v := &Verdict{Approved: approved, Confidence: confidence, Reason: reason}
	if wait := cast.ToInt64(mv.SuggestedWait); wait > 0 {
		v.SuggestedWait = time.Duration(wait) * time.Second
	}

	switch {
	case confidence < rejectBelow:
		v.Approved = false
		v.Reason = fmt.Sprintf("low_confidence (%d): %s", confidence, reason)
	case confidence < e.cfg.ConfidenceThreshold:
		if v.Approved {
			v.AdjustedAmount = halve(action)
			v.Reason = fmt.Sprintf("reduced_confidence (%d): half size. %s", confidence, reason)
		}
	default:
		if v.Approved {
			if adj := cast.ToFloat64(mv.AdjustedAmount); adj > 0 {
				v.AdjustedAmount = types.EthToWei(decimal.NewFromFloat(adj))
			}
		}
	}
	return v, nil
}

func halve(action types.Action) *big.Int {
	var amt *big.Int
	switch action.Kind {
	case types.ActionBuy:
		amt = action.QuoteAmount
	case types.ActionSell:
		amt = action.BaseAmount
	}
	if amt == nil {
		return nil
	}
	return new(big.Int).Rsh(amt, 1)
}

// firstJSONObject extracts the first balanced {...} in text, tolerating
// models that wrap the answer in prose or code fences.
func firstJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in response")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response")
}

func (e *Evaluator) systemPrompt(cfg *types.EigenConfig) string {
	var b strings.Builder
	b.WriteString("You are a risk reviewer for an automated market-making agent. ")
	b.WriteString("Given a proposed trade and market context, answer with a single JSON object: ")
	b.WriteString(`{"approved": bool, "confidence": 0-100, "reason": string, "adjusted_amount_eth": number|null, "suggested_wait_seconds": number|null}. `)
	b.WriteString("Reject trades that look like chasing losses, overtrading, or fighting strong momentum.")
	if cfg.CustomPrompt != "" {
		b.WriteString("\nOperator guidance: ")
		b.WriteString(cfg.CustomPrompt)
	}
	return b.String()
}

func (e *Evaluator) userPrompt(cfg *types.EigenConfig, action types.Action, mktx *Context) string {
	var b strings.Builder
	switch action.Kind {
	case types.ActionBuy:
		fmt.Fprintf(&b, "Proposed action: BUY spending %s native.\n", types.WeiToEth(action.QuoteAmount))
	case types.ActionSell:
		fmt.Fprintf(&b, "Proposed action: SELL %s tokens (%s).\n", types.WeiToEth(action.BaseAmount), action.Variant.TradeType())
	}
	fmt.Fprintf(&b, "Rule-engine reason: %s\n", action.Reason)
	if mktx == nil {
		return b.String()
	}
	fmt.Fprintf(&b, "Native balance: %s. Token position: %s.\n",
		types.WeiToEth(mktx.NativeBalance), types.WeiToEth(mktx.Position))
	fmt.Fprintf(&b, "Entry price: %s. Current price: %s. Unrealized P&L: %s%%. Token ratio: %s.\n",
		mktx.EntryPrice, mktx.CurrentPrice, mktx.UnrealizedPct.Round(2), mktx.TokenRatio.Round(3))
	if vol := Volatility(mktx.PriceHistory); vol > 0 {
		fmt.Fprintf(&b, "Annualized volatility: %.1f%%.\n", vol*100)
	}
	if mktx.ExternalBuysEth.IsPositive() {
		fmt.Fprintf(&b, "External buy volume this window: %s native.\n", mktx.ExternalBuysEth)
	}
	if n := len(mktx.PriceHistory); n > 0 {
		limit := n
		if limit > 12 {
			limit = 12
		}
		b.WriteString("Recent prices: ")
		for i, p := range mktx.PriceHistory[n-limit:] {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.String())
		}
		b.WriteString("\n")
	}
	for i, tr := range mktx.RecentTrades {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&b, "Trade %d: %s %s tokens at %s, pnl %s\n",
			i+1, tr.Type, types.WeiToEth(tr.AmountToken), tr.Price, tr.RealizedPnl)
	}
	return b.String()
}

func (e *Evaluator) record(ctx context.Context, eigen types.EigenID, action types.Action, v *Verdict, latency time.Duration, tokens int) {
	if e.store == nil {
		return
	}
	ev := &types.AIEvaluation{
		Eigen:         eigen,
		Action:        action.Reason,
		Approved:      v.Approved,
		Confidence:    v.Confidence,
		Reason:        v.Reason,
		Model:         e.cfg.Model,
		Latency:       latency,
		Tokens:        tokens,
		SuggestedWait: v.SuggestedWait,
		Timestamp:     time.Now(),
	}
	if v.AdjustedAmount != nil {
		ev.AdjustedAmount = types.WeiToEth(v.AdjustedAmount)
	}
	if err := e.store.InsertEvaluation(ctx, ev); err != nil {
		e.logger.Warn("Evaluation record failed", "eigen", eigen, "err", err)
	}
}

// Volatility is the annualized standard deviation of log returns over the
// snapshot window. Fewer than three samples give zero.
func Volatility(prices []decimal.Decimal) float64 {
	if len(prices) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev, _ := prices[i-1].Float64()
		cur, _ := prices[i].Float64()
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance) * math.Sqrt(periodsPerYear)
}
