// Copyright 2025 The analyzer Authors
// This file is part of the analyzer library.
//
// The analyzer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The analyzer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the analyzer library. If not, see <http://www.gnu.org/licenses/>.

// Package provider wraps the upstream transaction API behind a paged
// iterator. Calls go through a client-side rate limiter and a circuit
// breaker; HTTP failures map onto the job error taxonomy (429/5xx
// transient, other 4xx permanent).
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nydiokar/analyzer/jobs"
	"github.com/nydiokar/analyzer/params"
)

// Transaction is the normalized upstream row the sync engine persists.
// Timestamps are integer seconds.
type Transaction struct {
	Signature    string  `json:"signature"`
	BlockTime    int64   `json:"blockTime"`
	Slot         uint64  `json:"slot"`
	TokenAddress string  `json:"tokenAddress"`
	Direction    string  `json:"direction"` // "in" or "out"
	Amount       float64 `json:"amount"`
	ValueUSD     float64 `json:"valueUsd"`
	FeeLamports  uint64  `json:"feeLamports"`
	Failed       bool    `json:"failed"`
}

// TokenBalance is one row of a wallet balance snapshot.
type TokenBalance struct {
	TokenAddress string  `json:"tokenAddress"`
	Amount       float64 `json:"amount"`
	Decimals     int     `json:"decimals"`
}

// TokenMeta is upstream token metadata used by enrichment.
type TokenMeta struct {
	TokenAddress string `json:"tokenAddress"`
	Symbol       string `json:"symbol"`
	Name         string `json:"name"`
	Decimals     int    `json:"decimals"`
	LogoURI      string `json:"logoUri"`
}

// Client is the upstream RPC client.
type Client struct {
	url     string
	apiKey  string
	pageSiz int
	httpc   *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *zap.SugaredLogger
}

// NewClient builds a client from provider config.
func NewClient(cfg params.ProviderConfig, log *zap.SugaredLogger) *Client {
	return &Client{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		pageSiz: cfg.PageSize,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "provider",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: log.With("component", "provider"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one rate-limited, breaker-guarded RPC and decodes the
// result into out.
func (c *Client) call(ctx context.Context, method string, callParams, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return jobs.WrapError(jobs.KindTimeout, err, "rate limiter wait for %s", method)
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: callParams})
	if err != nil {
		return err
	}
	raw, err := c.breaker.Execute(func() (any, error) {
		return c.do(ctx, body)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return jobs.WrapError(jobs.KindUpstreamTransient, err, "provider circuit open for %s", method)
	}
	if err != nil {
		return err
	}
	resp := raw.(*rpcResponse)
	if resp.Error != nil {
		return mapRPCError(method, resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return jobs.WrapError(jobs.KindUpstreamPermanent, err, "decode %s result", method)
	}
	return nil
}

func (c *Client) do(ctx context.Context, body []byte) (*rpcResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, jobs.WrapError(jobs.KindUpstreamTransient, err, "provider request")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, jobs.WrapError(jobs.KindUpstreamTransient, err, "read provider response")
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, jobs.NewError(jobs.KindUpstreamTransient, "provider HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, jobs.NewError(jobs.KindUpstreamPermanent, "provider HTTP %d: %s", resp.StatusCode, truncate(payload, 200))
	}
	var rr rpcResponse
	if err := json.Unmarshal(payload, &rr); err != nil {
		return nil, jobs.WrapError(jobs.KindUpstreamTransient, err, "decode provider response")
	}
	return &rr, nil
}

// mapRPCError follows the HTTP convention at the JSON-RPC layer: server
// errors are transient, invalid-input codes are permanent.
func mapRPCError(method string, e *rpcError) error {
	if e.Code == -32005 || e.Code <= -32000 && e.Code > -32100 { // server overloaded family
		return jobs.NewError(jobs.KindUpstreamTransient, "%s: rpc %d: %s", method, e.Code, e.Message)
	}
	return jobs.NewError(jobs.KindUpstreamPermanent, "%s: rpc %d: %s", method, e.Code, e.Message)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Balances fetches the wallet's current token balance snapshot.
func (c *Client) Balances(ctx context.Context, addr string) ([]TokenBalance, error) {
	var out []TokenBalance
	if err := c.call(ctx, "getTokenBalances", map[string]any{"wallet": addr}, &out); err != nil {
		return nil, fmt.Errorf("balances for %s: %w", addr, err)
	}
	return out, nil
}

// TokenMetadata resolves metadata for a batch of token mints.
func (c *Client) TokenMetadata(ctx context.Context, mints []string) ([]TokenMeta, error) {
	var out []TokenMeta
	if err := c.call(ctx, "getTokenMetadata", map[string]any{"mints": mints}, &out); err != nil {
		return nil, fmt.Errorf("token metadata: %w", err)
	}
	return out, nil
}
