package runner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"cryptodesk/internal/model"
)

// BacktestTrade is one simulated trade reported by a backtest.
type BacktestTrade struct {
	Side   string  `json:"side"`
	Price  float64 `json:"price"`
	Amount float64 `json:"amount,omitempty"`
	Profit float64 `json:"profit,omitempty"`
	Time   string  `json:"time,omitempty"`
}

// Describe renders the trade for the run log.
func (t BacktestTrade) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backtest %s", strings.ToUpper(t.Side))
	if t.Amount > 0 {
		fmt.Fprintf(&b, " %g", t.Amount)
	}
	fmt.Fprintf(&b, " @ %.2f", t.Price)
	if t.Time != "" {
		fmt.Fprintf(&b, " at %s", t.Time)
	}
	if t.Profit != 0 {
		fmt.Fprintf(&b, " (profit %.2f)", t.Profit)
	}
	return b.String()
}

// BacktestResult is the folded backtest response.
type BacktestResult struct {
	Profit     float64         `json:"profit"`
	TradeCount int             `json:"tradeCount"`
	WinRate    *float64        `json:"winRate,omitempty"`
	Trades     []BacktestTrade `json:"trades,omitempty"`
	Logs       []string        `json:"logs,omitempty"`
}

// Summary renders the headline line for the run log.
func (r BacktestResult) Summary() string {
	s := fmt.Sprintf("profit %.2f USDT, %d trades", r.Profit, r.TradeCount)
	if r.WinRate != nil {
		s += fmt.Sprintf(", win rate %.2f%%", *r.WinRate)
	}
	return s
}

// StartResult is the live-test start response.
type StartResult struct {
	Message string `json:"message"`
}

// CheckResult is one live-test poll response.
type CheckResult struct {
	TradeExecuted   bool               `json:"tradeExecuted"`
	Side            string             `json:"side,omitempty"`
	Message         string             `json:"message,omitempty"`
	IndicatorValues map[string]float64 `json:"indicatorValues,omitempty"`
	Logs            []string           `json:"logs,omitempty"`
}

// IndicatorLine renders indicator values sorted by name, or "" if none.
func (r CheckResult) IndicatorLine() string {
	if len(r.IndicatorValues) == 0 {
		return ""
	}
	names := make([]string, 0, len(r.IndicatorValues))
	for k := range r.IndicatorValues {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s=%.4f", k, r.IndicatorValues[k])
	}
	return "indicators: " + strings.Join(parts, ", ")
}

// envelope validates the common {success, error} shape. A reply without a
// boolean success flag is a backend error.
func envelope(op string, body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, wrapDecode(op, fmt.Errorf("%w: invalid JSON", model.ErrData))
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return gjson.Result{}, wrapDecode(op, fmt.Errorf("%w: expected object", model.ErrData))
	}
	s := root.Get("success")
	if s.Type != gjson.True && s.Type != gjson.False {
		return gjson.Result{}, &model.BackendError{Op: op, Message: "response missing success flag"}
	}
	if !s.Bool() {
		msg := firstString(root, "error", "message")
		if msg == "" {
			msg = "backend reported failure"
		}
		return gjson.Result{}, &model.BackendError{Op: op, Message: msg}
	}
	return root, nil
}

func parseBacktest(body []byte) (BacktestResult, error) {
	root, err := envelope(OpBacktest, body)
	if err != nil {
		return BacktestResult{}, err
	}
	p := root.Get("profit")
	if p.Type != gjson.Number {
		return BacktestResult{}, &model.BackendError{Op: OpBacktest, Message: "response missing profit"}
	}

	res := BacktestResult{Profit: p.Float()}
	// trades is either a count or the trade history.
	switch t := root.Get("trades"); {
	case t.IsArray():
		t.ForEach(func(_, v gjson.Result) bool {
			res.Trades = append(res.Trades, BacktestTrade{
				Side:   firstString(v, "side", "type", "action"),
				Price:  v.Get("price").Float(),
				Amount: firstNumber(v, "amount", "quantity", "qty"),
				Profit: v.Get("profit").Float(),
				Time:   firstString(v, "time", "timestamp", "date"),
			})
			return true
		})
		res.TradeCount = len(res.Trades)
	case t.Type == gjson.Number:
		res.TradeCount = int(t.Int())
	}
	if n := root.Get("tradeCount"); n.Type == gjson.Number {
		res.TradeCount = int(n.Int())
	}
	if w := root.Get("winRate"); w.Type == gjson.Number {
		v := w.Float()
		res.WinRate = &v
	}
	res.Logs = stringList(root.Get("logs"))
	return res, nil
}

func parseStart(body []byte) (StartResult, error) {
	root, err := envelope(OpStart, body)
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{Message: root.Get("message").String()}, nil
}

func parseCheck(body []byte) (CheckResult, error) {
	root, err := envelope(OpCheck, body)
	if err != nil {
		return CheckResult{}, err
	}
	res := CheckResult{
		TradeExecuted: root.Get("tradeExecuted").Bool(),
		Side:          strings.ToUpper(firstString(root, "side", "tradeType", "action")),
		Message:       root.Get("message").String(),
		Logs:          stringList(root.Get("logs")),
	}
	if iv := root.Get("indicatorValues"); iv.IsObject() {
		res.IndicatorValues = make(map[string]float64)
		iv.ForEach(func(k, v gjson.Result) bool {
			if v.Type == gjson.Number {
				res.IndicatorValues[k.String()] = v.Float()
			}
			return true
		})
	}
	return res, nil
}

// errorMessage extracts a human-readable error from a failed response body.
func errorMessage(body []byte, fallback string) string {
	if gjson.ValidBytes(body) {
		if msg := firstString(gjson.ParseBytes(body), "error", "message", "msg"); msg != "" {
			return msg
		}
	}
	return fallback
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func firstNumber(r gjson.Result, keys ...string) float64 {
	for _, k := range keys {
		if v := r.Get(k); v.Type == gjson.Number {
			return v.Float()
		}
	}
	return 0
}

func stringList(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
		return true
	})
	return out
}
