// Package stocks adapts the Alpha Vantage quote and daily series endpoints.
package stocks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"polychat/internal/apperr"
	"polychat/internal/provider"

	"golang.org/x/sync/errgroup"
)

const (
	defaultBaseURL = "https://www.alphavantage.co/query"
	DefaultDays    = 30
	maxDays        = 100
)

type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func NewClient(apiKey string, httpClient *http.Client) *Client {
	return &Client{apiKey: apiKey, baseURL: defaultBaseURL, http: httpClient}
}

func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = base
	return c
}

type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	PreviousClose float64 `json:"previousClose"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Volume        int64   `json:"volume"`
	LatestDay     string  `json:"latestTradingDay"`
	History       []Close `json:"history"`
}

type Close struct {
	Date  string  `json:"date"`
	Close float64 `json:"close"`
}

// envelope captures the throttling and error fields Alpha Vantage returns
// with a 200 status.
type envelope struct {
	Note         string `json:"Note"`
	Information  string `json:"Information"`
	ErrorMessage string `json:"Error Message"`
}

func (e envelope) check() error {
	switch {
	case e.Note != "":
		return apperr.New(apperr.RateLimit, apperr.SurfaceStocks, e.Note)
	case e.Information != "":
		return apperr.New(apperr.RateLimit, apperr.SurfaceStocks, e.Information)
	case e.ErrorMessage != "":
		return apperr.New(apperr.BadRequest, apperr.SurfaceStocks, e.ErrorMessage)
	}
	return nil
}

type quoteResponse struct {
	envelope
	GlobalQuote map[string]string `json:"Global Quote"`
}

type seriesResponse struct {
	envelope
	Series map[string]map[string]string `json:"Time Series (Daily)"`
}

// Quote returns the latest quote for symbol together with up to days daily
// closes, oldest first. Both calls run concurrently.
func (c *Client) Quote(ctx context.Context, symbol string, days int) (*Quote, error) {
	if c.apiKey == "" {
		return nil, apperr.New(apperr.Offline, apperr.SurfaceStocks, "alpha vantage api key not configured")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, apperr.New(apperr.BadRequest, apperr.SurfaceStocks, "symbol is required")
	}
	if days <= 0 {
		days = DefaultDays
	}
	if days > maxDays {
		days = maxDays
	}

	var (
		qr quoteResponse
		sr seriesResponse
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.query(gctx, "GLOBAL_QUOTE", symbol, &qr)
	})
	g.Go(func() error {
		return c.query(gctx, "TIME_SERIES_DAILY", symbol, &sr)
	})
	if err := g.Wait(); err != nil {
		return nil, classify(err)
	}
	if err := qr.check(); err != nil {
		return nil, err
	}
	if len(qr.GlobalQuote) == 0 || qr.GlobalQuote["05. price"] == "" {
		return nil, apperr.New(apperr.NotFound, apperr.SurfaceStocks, fmt.Sprintf("no quote for %s", symbol))
	}

	quote := &Quote{
		Symbol:        firstNonEmpty(qr.GlobalQuote["01. symbol"], symbol),
		Price:         parseFloat(qr.GlobalQuote["05. price"]),
		Open:          parseFloat(qr.GlobalQuote["02. open"]),
		High:          parseFloat(qr.GlobalQuote["03. high"]),
		Low:           parseFloat(qr.GlobalQuote["04. low"]),
		PreviousClose: parseFloat(qr.GlobalQuote["08. previous close"]),
		Change:        parseFloat(qr.GlobalQuote["09. change"]),
		ChangePercent: parseFloat(strings.TrimSuffix(qr.GlobalQuote["10. change percent"], "%")),
		Volume:        int64(parseFloat(qr.GlobalQuote["06. volume"])),
		LatestDay:     qr.GlobalQuote["07. latest trading day"],
		History:       []Close{},
	}
	// the series is optional; a throttled series still yields a quote
	if sr.check() == nil {
		quote.History = closes(sr.Series, days)
	}
	return quote, nil
}

func (c *Client) query(ctx context.Context, function, symbol string, out any) error {
	params := url.Values{}
	params.Set("function", function)
	params.Set("symbol", symbol)
	params.Set("apikey", c.apiKey)
	endpoint := c.baseURL + "?" + params.Encode()
	return provider.FetchJSON(ctx, c.http, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, out)
}

func closes(series map[string]map[string]string, days int) []Close {
	dates := make([]string, 0, len(series))
	for d := range series {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	if len(dates) > days {
		dates = dates[len(dates)-days:]
	}
	out := make([]Close, 0, len(dates))
	for _, d := range dates {
		out = append(out, Close{Date: d, Close: parseFloat(series[d]["4. close"])})
	}
	return out
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func classify(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	switch provider.StatusCode(err) {
	case http.StatusTooManyRequests:
		return apperr.Wrap(apperr.RateLimit, apperr.SurfaceStocks, err)
	case http.StatusBadRequest, http.StatusNotFound:
		return apperr.Wrap(apperr.BadRequest, apperr.SurfaceStocks, err)
	}
	return apperr.Wrap(apperr.Offline, apperr.SurfaceStocks, fmt.Errorf("stock lookup: %w", err))
}
