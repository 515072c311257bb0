package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"cryptodesk/internal/model"
)

// maxKlinesBody caps the REST response read.
const maxKlinesBody = 4 << 20

// fetchKlines pulls the most recent candles via GET /api/v3/klines.
func (f *Feed) fetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, int, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	u := strings.TrimRight(f.cfg.RESTURL, "/") + "/api/v3/klines?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("feed: klines request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("feed: klines: %w: %w", model.ErrConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKlinesBody))
	if err != nil {
		return nil, 0, fmt.Errorf("feed: klines read: %w: %w", model.ErrConnection, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("feed: klines: %w: status %d", model.ErrConnection, resp.StatusCode)
	}
	return parseKlines(body)
}
