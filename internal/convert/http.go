package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/paylance/escrowd/internal/circuitbreaker"
	"github.com/paylance/escrowd/internal/metrics"
	"github.com/paylance/escrowd/internal/retry"
)

// HTTPConfig configures the swap-service client.
type HTTPConfig struct {
	BaseURL        string
	APIKey         string
	QuoteTolerance time.Duration // max quote age at execution time
	RequestTimeout time.Duration
	MaxAttempts    int
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig(baseURL, apiKey string) HTTPConfig {
	return HTTPConfig{
		BaseURL:        baseURL,
		APIKey:         apiKey,
		QuoteTolerance: 30 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxAttempts:    3,
	}
}

// HTTPConverter calls the external swap service: quote first, then
// execute against that quote. Quotes older than the tolerance window
// are never executed. A per-pair circuit breaker rejects conversions
// early while the service is failing.
type HTTPConverter struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker

	// now is swappable for quote-age tests.
	now func() time.Time
}

// NewHTTPConverter creates a swap-service backed converter.
func NewHTTPConverter(cfg HTTPConfig) *HTTPConverter {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &HTTPConverter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		now:     time.Now,
	}
}

type quoteResponse struct {
	QuoteID string `json:"quoteId"`
	Rate    string `json:"rate"`
	Error   string `json:"error,omitempty"`
}

type swapRequest struct {
	FromToken string `json:"fromToken"`
	ToToken   string `json:"toToken"`
	Amount    string `json:"amount"`
	QuoteID   string `json:"quoteId"`
}

type swapResponse struct {
	Success        bool   `json:"success"`
	ReceivedAmount string `json:"receivedAmount"`
	TxHash         string `json:"txHash"`
	Error          string `json:"error,omitempty"`
}

func (h *HTTPConverter) Convert(ctx context.Context, fromCurrency, toCurrency, amt string) (*Result, error) {
	key := PairKey(fromCurrency, toCurrency)
	if !h.breaker.Allow(key) {
		metrics.ConversionsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: conversion service unavailable for %s", ErrConversionFailed, key)
	}

	var result *Result
	err := retry.Do(ctx, h.cfg.MaxAttempts, 500*time.Millisecond, func() error {
		quote, err := h.getQuote(ctx, fromCurrency, toCurrency, amt)
		if err != nil {
			return err
		}

		// A quote obtained just now can still expire if the execute
		// call stalls; re-check age right before executing.
		if h.now().Sub(quote.ObtainedAt) > h.cfg.QuoteTolerance {
			return retry.Permanent(ErrQuoteExpired)
		}

		result, err = h.executeSwap(ctx, fromCurrency, toCurrency, amt, quote.ID)
		return err
	})

	if err != nil {
		h.breaker.RecordFailure(key)
		metrics.ConversionsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	h.breaker.RecordSuccess(key)
	metrics.ConversionsTotal.WithLabelValues("converted").Inc()
	return result, nil
}

func (h *HTTPConverter) getQuote(ctx context.Context, from, to, amt string) (*Quote, error) {
	url := fmt.Sprintf("%s/quote?fromToken=%s&toToken=%s&amount=%s", h.cfg.BaseURL, from, to, amt)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrConversionFailed, err))
	}
	h.auth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: quote request: %v", ErrConversionFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: quote returned status %d", ErrConversionFailed, resp.StatusCode)
	}

	var qr quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("%w: decode quote: %v", ErrConversionFailed, err)
	}
	if qr.Error != "" {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrConversionFailed, qr.Error))
	}

	return &Quote{
		ID:           qr.QuoteID,
		FromCurrency: from,
		ToCurrency:   to,
		Rate:         qr.Rate,
		ObtainedAt:   h.now(),
	}, nil
}

func (h *HTTPConverter) executeSwap(ctx context.Context, from, to, amt, quoteID string) (*Result, error) {
	body, err := json.Marshal(swapRequest{
		FromToken: from,
		ToToken:   to,
		Amount:    amt,
		QuoteID:   quoteID,
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrConversionFailed, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrConversionFailed, err))
	}
	req.Header.Set("Content-Type", "application/json")
	h.auth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: swap request: %v", ErrConversionFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The service signals a stale quote with 410 Gone.
	if resp.StatusCode == http.StatusGone {
		return nil, retry.Permanent(ErrQuoteExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: swap returned status %d", ErrConversionFailed, resp.StatusCode)
	}

	var sr swapResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("%w: decode swap response: %v", ErrConversionFailed, err)
	}
	if !sr.Success {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrConversionFailed, sr.Error))
	}

	return &Result{ReceivedAmount: sr.ReceivedAmount, TxRef: sr.TxHash}, nil
}

func (h *HTTPConverter) auth(req *http.Request) {
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}
}

// Compile-time assertion that HTTPConverter implements Converter.
var _ Converter = (*HTTPConverter)(nil)
