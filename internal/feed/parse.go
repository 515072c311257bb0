package feed

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"cryptodesk/internal/model"
)

type msgKind int

const (
	msgIgnored msgKind = iota // acks, unknown events
	msgKline
	msgTrade
)

type message struct {
	kind   msgKind
	candle model.Candle
	price  decimal.Decimal
	ts     time.Time
	symbol string
}

// parseMessage normalizes one stream payload. Combined-stream envelopes
// ({"stream":..,"data":{..}}) and raw single-stream events are both accepted,
// as is the plain {openTime,open,high,low,close} / {price} shape. Every field
// is untrusted; failures wrap model.ErrData.
func parseMessage(raw []byte) (message, error) {
	if !gjson.ValidBytes(raw) {
		return message{}, fmt.Errorf("%w: invalid JSON", model.ErrData)
	}
	root := gjson.ParseBytes(raw)
	data := root
	if d := root.Get("data"); d.IsObject() {
		data = d
	}
	if !data.IsObject() {
		return message{}, fmt.Errorf("%w: payload is not an object", model.ErrData)
	}

	switch data.Get("e").String() {
	case "kline":
		k := data.Get("k")
		if !k.IsObject() {
			return message{}, fmt.Errorf("%w: kline without k", model.ErrData)
		}
		c, err := candleFrom(k.Get("t"), k.Get("o"), k.Get("h"), k.Get("l"), k.Get("c"))
		if err != nil {
			return message{}, err
		}
		return message{kind: msgKline, candle: c, symbol: k.Get("s").String()}, nil
	case "trade", "aggTrade":
		return tradeFrom(data.Get("p"), data.Get("T"), data.Get("s"))
	}

	switch {
	case data.Get("openTime").Exists():
		c, err := candleFrom(data.Get("openTime"), data.Get("open"), data.Get("high"), data.Get("low"), data.Get("close"))
		if err != nil {
			return message{}, err
		}
		return message{kind: msgKline, candle: c}, nil
	case data.Get("price").Exists():
		return tradeFrom(data.Get("price"), data.Get("ts"), data.Get("symbol"))
	}
	return message{kind: msgIgnored}, nil
}

func tradeFrom(p, ts, sym gjson.Result) (message, error) {
	price, err := decimalField("price", p)
	if err != nil {
		return message{}, err
	}
	if !price.IsPositive() {
		return message{}, fmt.Errorf("%w: price %s", model.ErrData, price)
	}
	m := message{kind: msgTrade, price: price, symbol: sym.String(), ts: time.Now().UTC()}
	if ts.Type == gjson.Number && ts.Int() > 0 {
		m.ts = time.UnixMilli(ts.Int()).UTC()
	}
	return m, nil
}

func candleFrom(t, o, h, l, c gjson.Result) (model.Candle, error) {
	if t.Type != gjson.Number {
		return model.Candle{}, fmt.Errorf("%w: open time %q", model.ErrData, t.Raw)
	}
	var (
		cd  = model.Candle{OpenTime: t.Int()}
		err error
	)
	if cd.Open, err = floatField("open", o); err != nil {
		return model.Candle{}, err
	}
	if cd.High, err = floatField("high", h); err != nil {
		return model.Candle{}, err
	}
	if cd.Low, err = floatField("low", l); err != nil {
		return model.Candle{}, err
	}
	if cd.Close, err = floatField("close", c); err != nil {
		return model.Candle{}, err
	}
	if err := cd.Validate(); err != nil {
		return model.Candle{}, err
	}
	return cd, nil
}

// floatField accepts a JSON number or a numeric string.
func floatField(name string, r gjson.Result) (float64, error) {
	var (
		v   float64
		err error
	)
	switch r.Type {
	case gjson.Number:
		v = r.Float()
	case gjson.String:
		v, err = strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
	default:
		return 0, fmt.Errorf("%w: %s missing", model.ErrData, name)
	}
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s %q", model.ErrData, name, r.Raw)
	}
	return v, nil
}

func decimalField(name string, r gjson.Result) (decimal.Decimal, error) {
	var s string
	switch r.Type {
	case gjson.Number:
		s = r.Raw
	case gjson.String:
		s = strings.TrimSpace(r.Str)
	default:
		return decimal.Zero, fmt.Errorf("%w: %s missing", model.ErrData, name)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q", model.ErrData, name, s)
	}
	return d, nil
}

// parseKlines reads a /api/v3/klines body: an array of
// [openTime, open, high, low, close, ...] rows. Malformed rows are skipped
// and counted.
func parseKlines(body []byte) (candles []model.Candle, malformed int, err error) {
	if !gjson.ValidBytes(body) {
		return nil, 0, fmt.Errorf("%w: klines: invalid JSON", model.ErrData)
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, 0, fmt.Errorf("%w: klines: expected array, got %s", model.ErrData, root.Type)
	}
	root.ForEach(func(_, row gjson.Result) bool {
		f := row.Array()
		if len(f) < 5 {
			malformed++
			return true
		}
		c, err := candleFrom(f[0], f[1], f[2], f[3], f[4])
		if err != nil {
			malformed++
			return true
		}
		candles = append(candles, c)
		return true
	})
	return candles, malformed, nil
}
