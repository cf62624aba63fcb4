package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IGConfig configures an IGAdapter session.
type IGConfig struct {
	BaseURL    string
	APIKey     string
	Username   string
	Password   string
	AccountID  string
	MaxRetries int
	Timeout    time.Duration
}

// IGAdapter implements Adapter against IG's REST API (spec.md §6),
// grounded on the teacher's execution/adapters/binance.go
// (http.Client + JSON, a single signed-request helper, one mutex-guarded
// session), generalized from Binance's HMAC query-signing to IG's
// header-token session model (X-IG-API-KEY + CST/X-SECURITY-TOKEN
// obtained from POST /session, refreshed on 401).
type IGAdapter struct {
	logger *zap.Logger
	cfg    IGConfig
	client *http.Client

	mu    sync.RWMutex
	cst   string
	token string
}

// NewIGAdapter constructs an adapter against IG's REST API. It does not
// authenticate until VerifySession or the first call is made.
func NewIGAdapter(logger *zap.Logger, cfg IGConfig) *IGAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &IGAdapter{
		logger: logger, cfg: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

var _ Adapter = (*IGAdapter)(nil)

// VerifySession authenticates and caches the session tokens, retrying
// transient failures with the shared bounded-backoff schedule
// (spec.md §9 "Retry control flow": the adapter is the only layer that
// retries).
func (a *IGAdapter) VerifySession(ctx context.Context) error {
	var lastErr error
	for i, delay := range BackoffSchedule(a.cfg.MaxRetries) {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := a.login(ctx); err != nil {
			lastErr = err
			if a.logger != nil {
				a.logger.Warn("ig: login attempt failed", zap.Int("attempt", i+1), zap.Error(err))
			}
			continue
		}
		return nil
	}
	return &AdapterError{Kind: ErrorKindAuth, Message: "login failed after retries", Cause: lastErr}
}

func (a *IGAdapter) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"identifier": a.cfg.Username,
		"password":   a.cfg.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-IG-API-KEY", a.cfg.APIKey)
	req.Header.Set("Version", "2")

	resp, err := a.client.Do(req)
	if err != nil {
		return &AdapterError{Kind: ErrorKindTransport, Message: "session request", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &AdapterError{Kind: ErrorKindAuth, Message: fmt.Sprintf("session status %d", resp.StatusCode)}
	}

	a.mu.Lock()
	a.cst = resp.Header.Get("CST")
	a.token = resp.Header.Get("X-SECURITY-TOKEN")
	a.mu.Unlock()
	return nil
}

func (a *IGAdapter) authHeaders(req *http.Request) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	req.Header.Set("X-IG-API-KEY", a.cfg.APIKey)
	req.Header.Set("CST", a.cst)
	req.Header.Set("X-SECURITY-TOKEN", a.token)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
}

// do executes one authenticated request, re-authenticating once on a
// 401 before giving up (sessions expire server-side independent of any
// client-side timer).
func (a *IGAdapter) do(ctx context.Context, method, path string, body []byte, version string, out any) error {
	attempt := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		a.authHeaders(req)
		if version != "" {
			req.Header.Set("Version", version)
		}
		return a.client.Do(req)
	}

	resp, err := attempt()
	if err != nil {
		return &AdapterError{Kind: ErrorKindTransport, Message: path, Cause: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := a.login(ctx); err != nil {
			return err
		}
		resp, err = attempt()
		if err != nil {
			return &AdapterError{Kind: ErrorKindTransport, Message: path, Cause: err}
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &AdapterError{Kind: ErrorKindTransport, Message: "read body", Cause: err}
	}
	if resp.StatusCode >= 300 {
		kind := ErrorKindAPI
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = ErrorKindRateLimit
		}
		return &AdapterError{Kind: kind, Message: fmt.Sprintf("%s: status %d: %s", path, resp.StatusCode, data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &AdapterError{Kind: ErrorKindAPI, Message: "decode response", Cause: err}
		}
	}
	return nil
}

func (a *IGAdapter) ListAccounts(ctx context.Context) ([]Account, error) {
	var out struct {
		Accounts []struct {
			AccountID   string `json:"accountId"`
			AccountType string `json:"accountType"`
			Currency    string `json:"currency"`
			Balance     struct {
				Available float64 `json:"available"`
			} `json:"balance"`
		} `json:"accounts"`
	}
	if err := a.do(ctx, http.MethodGet, "/accounts", nil, "1", &out); err != nil {
		return nil, err
	}
	accounts := make([]Account, 0, len(out.Accounts))
	for _, acc := range out.Accounts {
		accounts = append(accounts, Account{
			AccountID: acc.AccountID, IsLive: acc.AccountType == "LIVE",
			AvailableBalance: decimal.NewFromFloat(acc.Balance.Available), Currency: acc.Currency,
		})
	}
	return accounts, nil
}

func (a *IGAdapter) ListPositions(ctx context.Context) ([]PositionView, error) {
	var out struct {
		Positions []struct {
			Position struct {
				DealID     string   `json:"dealId"`
				Direction  string   `json:"direction"`
				Size       float64  `json:"size"`
				Level      float64  `json:"level"`
				StopLevel  *float64 `json:"stopLevel"`
				LimitLevel *float64 `json:"limitLevel"`
			} `json:"position"`
			Market struct {
				Epic         string `json:"epic"`
				InstrumentName string `json:"instrumentName"`
			} `json:"market"`
		} `json:"positions"`
	}
	if err := a.do(ctx, http.MethodGet, "/positions", nil, "2", &out); err != nil {
		return nil, err
	}
	positions := make([]PositionView, 0, len(out.Positions))
	for _, p := range out.Positions {
		pv := PositionView{
			DealID: p.Position.DealID, Epic: p.Market.Epic, Symbol: p.Market.InstrumentName,
			Side: p.Position.Direction, Size: decimal.NewFromFloat(p.Position.Size),
			EntryPrice: decimal.NewFromFloat(p.Position.Level),
		}
		if p.Position.StopLevel != nil {
			sl := decimal.NewFromFloat(*p.Position.StopLevel)
			pv.StopLevel = &sl
		}
		if p.Position.LimitLevel != nil {
			ll := decimal.NewFromFloat(*p.Position.LimitLevel)
			pv.LimitLevel = &ll
		}
		positions = append(positions, pv)
	}
	return positions, nil
}

func (a *IGAdapter) PlaceMarketOrder(ctx context.Context, epic, direction string, size decimal.Decimal, stopLevel, limitLevel *decimal.Decimal, dealReference string) (OrderResult, error) {
	payload := map[string]any{
		"epic": epic, "direction": direction, "size": size.String(),
		"orderType": "MARKET", "currencyCode": "USD", "expiry": "-",
		"guaranteedStop": false, "forceOpen": true, "dealReference": dealReference,
	}
	if stopLevel != nil {
		payload["stopLevel"] = stopLevel.String()
	}
	if limitLevel != nil {
		payload["limitLevel"] = limitLevel.String()
	}
	body, _ := json.Marshal(payload)

	var out struct {
		DealReference string `json:"dealReference"`
	}
	if err := a.do(ctx, http.MethodPost, "/positions/otc", body, "2", &out); err != nil {
		return OrderResult{}, err
	}
	return a.confirm(ctx, out.DealReference)
}

func (a *IGAdapter) ClosePosition(ctx context.Context, dealID, direction string, size decimal.Decimal) (OrderResult, error) {
	closeDirection := "SELL"
	if direction == "SELL" {
		closeDirection = "BUY"
	}
	payload := map[string]any{
		"dealId": dealID, "direction": closeDirection, "size": size.String(),
		"orderType": "MARKET", "expiry": "-",
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/positions/otc", bytes.NewReader(body))
	if err != nil {
		return OrderResult{}, err
	}
	a.authHeaders(req)
	req.Header.Set("Version", "1")
	req.Header.Set("_method", http.MethodDelete) // IG's DELETE-with-body convention

	resp, err := a.client.Do(req)
	if err != nil {
		return OrderResult{}, &AdapterError{Kind: ErrorKindTransport, Message: "close position", Cause: err}
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return OrderResult{}, &AdapterError{Kind: ErrorKindAPI, Message: fmt.Sprintf("close position: status %d: %s", resp.StatusCode, data)}
	}

	var out struct {
		DealReference string `json:"dealReference"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return OrderResult{}, &AdapterError{Kind: ErrorKindAPI, Message: "decode close response", Cause: err}
	}
	return a.confirm(ctx, out.DealReference)
}

func (a *IGAdapter) confirm(ctx context.Context, dealReference string) (OrderResult, error) {
	var out struct {
		DealID     string `json:"dealId"`
		DealStatus string `json:"dealStatus"`
		Reason     string `json:"reason"`
	}
	if err := a.do(ctx, http.MethodGet, "/confirms/"+dealReference, nil, "1", &out); err != nil {
		return OrderResult{}, err
	}
	status := DealStatusAccepted
	if out.DealStatus != "ACCEPTED" {
		status = DealStatusRejected
	}
	return OrderResult{
		DealReference: dealReference, DealID: out.DealID, Status: status, Reason: out.Reason,
	}, nil
}

func (a *IGAdapter) GetWorkingOrders(ctx context.Context) ([]WorkingOrder, error) {
	var out struct {
		WorkingOrders []struct {
			WorkingOrderData struct {
				DealID      string  `json:"dealId"`
				Epic        string  `json:"epic"`
				Direction   string  `json:"direction"`
				Size        float64 `json:"orderSize"`
				Level       float64 `json:"orderLevel"`
			} `json:"workingOrderData"`
		} `json:"workingOrders"`
	}
	if err := a.do(ctx, http.MethodGet, "/workingorders", nil, "2", &out); err != nil {
		return nil, err
	}
	orders := make([]WorkingOrder, 0, len(out.WorkingOrders))
	for _, w := range out.WorkingOrders {
		orders = append(orders, WorkingOrder{
			DealID: w.WorkingOrderData.DealID, Epic: w.WorkingOrderData.Epic,
			Side: w.WorkingOrderData.Direction, Size: decimal.NewFromFloat(w.WorkingOrderData.Size),
			Level: decimal.NewFromFloat(w.WorkingOrderData.Level),
		})
	}
	return orders, nil
}

func (a *IGAdapter) CancelWorkingOrder(ctx context.Context, dealID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.cfg.BaseURL+"/workingorders/otc/"+dealID, nil)
	if err != nil {
		return err
	}
	a.authHeaders(req)
	req.Header.Set("Version", "2")
	resp, err := a.client.Do(req)
	if err != nil {
		return &AdapterError{Kind: ErrorKindTransport, Message: "cancel working order", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &AdapterError{Kind: ErrorKindAPI, Message: fmt.Sprintf("cancel working order: status %d", resp.StatusCode)}
	}
	return nil
}

func (a *IGAdapter) GetMarketDetails(ctx context.Context, epic string) (MarketDetails, error) {
	var out struct {
		Snapshot struct {
			Bid   float64 `json:"bid"`
			Offer float64 `json:"offer"`
		} `json:"snapshot"`
		Instrument struct {
			LotSize      float64 `json:"lotSize"`
			MinDealSize  float64 `json:"minDealSize"`
		} `json:"instrument"`
	}
	if err := a.do(ctx, http.MethodGet, "/markets/"+epic, nil, "3", &out); err != nil {
		return MarketDetails{}, err
	}
	minSize := decimal.NewFromFloat(out.Instrument.MinDealSize)
	if minSize.IsZero() {
		minSize = decimal.NewFromFloat(0.1)
	}
	return MarketDetails{
		Epic: epic, MinSize: minSize, MaxSize: decimal.Zero, SizeStep: minSize,
		Bid: decimal.NewFromFloat(out.Snapshot.Bid), Ask: decimal.NewFromFloat(out.Snapshot.Offer),
	}, nil
}
