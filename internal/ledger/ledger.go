// Package ledger simulates spot trades against a multi-asset paper balance.
// Amounts are decimals; a trade either applies completely or leaves the
// balance untouched.
package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptodesk/internal/id"
	"cryptodesk/internal/model"
)

// QuoteAsset is the asset every symbol is priced in.
const QuoteAsset = "USDT"

const (
	basePlaces  = 8
	quotePlaces = 2
)

// Side of a trade intent.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Direction of an amount conversion.
type Direction string

const (
	QuoteToBase Direction = "quoteToBase"
	BaseToQuote Direction = "baseToQuote"
)

// Balance maps asset to held amount.
type Balance map[string]decimal.Decimal

// DefaultBalance is the starting paper balance.
func DefaultBalance() Balance {
	return Balance{QuoteAsset: decimal.NewFromInt(10_000)}
}

// Clone returns an independent copy.
func (b Balance) Clone() Balance {
	out := make(Balance, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// String renders assets alphabetically, e.g. "BTC 0.00200000, USDT 0.00".
func (b Balance) String() string {
	assets := make([]string, 0, len(b))
	for a := range b {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	parts := make([]string, len(assets))
	for i, a := range assets {
		parts[i] = a + " " + formatAmount(a, b[a])
	}
	return strings.Join(parts, ", ")
}

func formatAmount(asset string, v decimal.Decimal) string {
	if asset == QuoteAsset {
		return v.StringFixed(quotePlaces)
	}
	return v.StringFixed(basePlaces)
}

// TradeIntent is a user request to trade. One of QuoteAmount or BaseAmount is
// entered; the other is derived from the effective price. When both are set,
// BUY keeps the quote amount and SELL keeps the base amount.
type TradeIntent struct {
	Side        Side            `json:"side"`
	Asset       string          `json:"asset"`
	QuoteAmount decimal.Decimal `json:"quoteAmount"`
	BaseAmount  decimal.Decimal `json:"baseAmount"`
	Price       decimal.Decimal `json:"price"` // zero means market (last price)
}

// Fill is an applied trade.
type Fill struct {
	ID          string          `json:"id"`
	Side        Side            `json:"side"`
	Asset       string          `json:"asset"`
	BaseAmount  decimal.Decimal `json:"baseAmount"`
	QuoteAmount decimal.Decimal `json:"quoteAmount"`
	Price       decimal.Decimal `json:"price"`
	FilledAt    time.Time       `json:"filledAt"`
	Before      Balance         `json:"before"`
	After       Balance         `json:"after"`
}

// Recorder receives the audit line of every applied trade.
type Recorder interface {
	Append(source string, tag model.Tag, text string) model.LogEntry
}

// Ledger holds the paper balance and fill history. Trades are applied in
// submission order under a mutex.
type Ledger struct {
	mu      sync.RWMutex
	balance Balance
	fills   []Fill
	rec     Recorder

	// OnFill is called after a trade applies, outside the lock.
	OnFill func(Fill)
	// OnReject is called when validation rejects a trade.
	OnReject func(TradeIntent, error)

	now func() time.Time
}

// New creates a ledger starting from initial (DefaultBalance when nil).
// rec may be nil.
func New(initial Balance, rec Recorder) *Ledger {
	if initial == nil {
		initial = DefaultBalance()
	}
	return &Ledger{
		balance: initial.Clone(),
		fills:   make([]Fill, 0, 64),
		rec:     rec,
		now:     time.Now,
	}
}

// Convert derives the counter amount of a trade at price. It returns zero
// when amount or price is absent or non-positive.
func Convert(amount, price decimal.Decimal, dir Direction) decimal.Decimal {
	if !amount.IsPositive() || !price.IsPositive() {
		return decimal.Zero
	}
	switch dir {
	case QuoteToBase:
		q, _ := amount.QuoRem(price, basePlaces)
		return q
	case BaseToQuote:
		return amount.Mul(price).Truncate(quotePlaces)
	default:
		return decimal.Zero
	}
}

// ApplyTrade validates and applies intent. The effective price is
// intent.Price when positive, lastPrice otherwise. It returns the new balance,
// or an error matching model.ErrInvalidTrade or model.ErrInsufficientBalance
// with the balance unchanged.
func (l *Ledger) ApplyTrade(intent TradeIntent, lastPrice decimal.Decimal) (Balance, error) {
	fill, err := l.apply(intent, lastPrice)
	if err != nil {
		slog.Warn("trade rejected",
			slog.String("component", "ledger"),
			slog.String("side", string(intent.Side)),
			slog.String("asset", intent.Asset),
			slog.String("error", err.Error()),
		)
		if l.OnReject != nil {
			l.OnReject(intent, err)
		}
		return nil, err
	}

	slog.Info("trade applied",
		slog.String("component", "ledger"),
		slog.String("fill_id", fill.ID),
		slog.String("side", string(fill.Side)),
		slog.String("asset", fill.Asset),
		slog.String("base", fill.BaseAmount.String()),
		slog.String("quote", fill.QuoteAmount.String()),
		slog.String("price", fill.Price.String()),
	)
	if l.OnFill != nil {
		l.OnFill(fill)
	}
	return fill.After.Clone(), nil
}

func (l *Ledger) apply(intent TradeIntent, lastPrice decimal.Decimal) (Fill, error) {
	asset := strings.ToUpper(strings.TrimSpace(intent.Asset))
	if asset == "" || asset == QuoteAsset {
		return Fill{}, fmt.Errorf("%w: asset %q", model.ErrInvalidTrade, intent.Asset)
	}
	if intent.Side != SideBuy && intent.Side != SideSell {
		return Fill{}, fmt.Errorf("%w: side %q", model.ErrInvalidTrade, intent.Side)
	}

	price := intent.Price
	if !price.IsPositive() {
		price = lastPrice
	}
	if !price.IsPositive() {
		return Fill{}, fmt.Errorf("%w: no price available", model.ErrInvalidTrade)
	}

	quote, base, err := sizeTrade(intent, price)
	if err != nil {
		return Fill{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch intent.Side {
	case SideBuy:
		if have := l.balance[QuoteAsset]; have.LessThan(quote) {
			return Fill{}, &model.InsufficientBalanceError{Asset: QuoteAsset, Required: quote, Available: have}
		}
	case SideSell:
		if have := l.balance[asset]; have.LessThan(base) {
			return Fill{}, &model.InsufficientBalanceError{Asset: asset, Required: base, Available: have}
		}
	}

	before := l.balance.Clone()
	if intent.Side == SideBuy {
		l.balance[QuoteAsset] = l.balance[QuoteAsset].Sub(quote)
		l.balance[asset] = l.balance[asset].Add(base)
	} else {
		l.balance[asset] = l.balance[asset].Sub(base)
		l.balance[QuoteAsset] = l.balance[QuoteAsset].Add(quote)
	}

	ts := l.now().UTC()
	fill := Fill{
		ID:          id.At(ts),
		Side:        intent.Side,
		Asset:       asset,
		BaseAmount:  base,
		QuoteAmount: quote,
		Price:       price,
		FilledAt:    ts,
		Before:      before,
		After:       l.balance.Clone(),
	}
	l.fills = append(l.fills, fill)

	if l.rec != nil {
		l.rec.Append("ledger", tagFor(fill.Side), fill.Describe())
	}
	return fill, nil
}

// sizeTrade derives the missing amount and rejects trades that round to nothing.
func sizeTrade(intent TradeIntent, price decimal.Decimal) (quote, base decimal.Decimal, err error) {
	useQuote := intent.QuoteAmount.IsPositive()
	if useQuote && intent.BaseAmount.IsPositive() {
		useQuote = intent.Side == SideBuy
	}
	switch {
	case useQuote:
		quote = intent.QuoteAmount
		base = Convert(quote, price, QuoteToBase)
	case intent.BaseAmount.IsPositive():
		base = intent.BaseAmount
		quote = Convert(base, price, BaseToQuote)
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: amount must be positive", model.ErrInvalidTrade)
	}
	if !quote.IsPositive() || !base.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: amount too small at price %s",
			model.ErrInvalidTrade, price.String())
	}
	return quote, base, nil
}

func tagFor(s Side) model.Tag {
	if s == SideBuy {
		return model.TagTradeBuy
	}
	return model.TagTradeSell
}

// Describe renders the fill as an audit line with pre and post balances.
func (f Fill) Describe() string {
	return fmt.Sprintf("%s %s %s @ %s for %s %s | before: %s | after: %s",
		f.Side, f.BaseAmount.StringFixed(basePlaces), f.Asset,
		f.Price.StringFixed(quotePlaces),
		f.QuoteAmount.StringFixed(quotePlaces), QuoteAsset,
		f.Before, f.After)
}

// Balance returns a copy of the current balance.
func (l *Ledger) Balance() Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance.Clone()
}

// Trades returns a copy of the fill history in application order.
func (l *Ledger) Trades() []Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

// Valuation totals the balance in the quote asset. Assets without a positive
// price in prices are skipped and reported in unpriced.
func (l *Ledger) Valuation(prices map[string]decimal.Decimal) (total decimal.Decimal, unpriced []string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for asset, amt := range l.balance {
		if asset == QuoteAsset {
			total = total.Add(amt)
			continue
		}
		if amt.IsZero() {
			continue
		}
		p, ok := prices[asset]
		if !ok || !p.IsPositive() {
			unpriced = append(unpriced, asset)
			continue
		}
		total = total.Add(amt.Mul(p))
	}
	sort.Strings(unpriced)
	return total, unpriced
}

// Reset replaces the balance and clears the fill history.
func (l *Ledger) Reset(b Balance) {
	if b == nil {
		b = DefaultBalance()
	}
	l.mu.Lock()
	l.balance = b.Clone()
	l.fills = l.fills[:0]
	l.mu.Unlock()
}
