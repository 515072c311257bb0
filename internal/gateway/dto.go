package gateway

import (
	"time"

	"github.com/shopspring/decimal"

	"cryptodesk/internal/feed"
	"cryptodesk/internal/indicator"
	"cryptodesk/internal/ledger"
	"cryptodesk/internal/model"
	"cryptodesk/internal/runner"
	"cryptodesk/internal/strategy"
)

// FeedStatus is the REST view of the market feed.
type FeedStatus struct {
	Symbol    string     `json:"symbol"`
	Interval  string     `json:"interval"`
	Mode      feed.Mode  `json:"mode"`
	State     feed.State `json:"state"`
	Failures  int        `json:"failures"`
	Candles   int        `json:"candles"`
	Capacity  int        `json:"capacity"`
	LastPrice *PriceView `json:"lastPrice,omitempty"`
	Lag       LagStats   `json:"lag"`
}

// PriceView is the last price of the active symbol.
type PriceView struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	TS     time.Time       `json:"ts"`
}

// IndicatorView is one side's configuration with its latest readings.
type IndicatorView struct {
	Side    indicator.Side                       `json:"side"`
	Configs indicator.ConfigSet                  `json:"configs"`
	Latest  map[indicator.Kind]indicator.Reading `json:"latest"`
	Series  map[indicator.Kind]indicator.Series  `json:"series,omitempty"`
}

// BalanceView is the paper balance with its quote valuation.
type BalanceView struct {
	Balance   ledger.Balance  `json:"balance"`
	Valuation decimal.Decimal `json:"valuation"`
	Unpriced  []string        `json:"unpriced,omitempty"`
}

// Snapshot is the initial state a WebSocket client receives.
type Snapshot struct {
	Feed       FeedStatus           `json:"feed"`
	Candles    []model.Candle       `json:"candles"`
	Buy        IndicatorView        `json:"buy"`
	Sell       IndicatorView        `json:"sell"`
	Evaluation *strategy.Evaluation `json:"evaluation,omitempty"`
	Balance    BalanceView          `json:"balance"`
	Run        runner.Status        `json:"run"`
	Logs       []model.LogEntry     `json:"logs"`
}

// ConvertRequest is the body of POST /api/convert.
type ConvertRequest struct {
	Amount    decimal.Decimal  `json:"amount"`
	Direction ledger.Direction `json:"direction"`
}

// ConvertResponse is the derived amount at the price used.
type ConvertResponse struct {
	Result decimal.Decimal `json:"result"`
	Price  decimal.Decimal `json:"price"`
}

// SymbolRequest is the body of POST /api/symbol.
type SymbolRequest struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}
