package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/rickgao/deribit-session/internal/ratelimit"
	"github.com/rickgao/deribit-session/internal/rpc"
)

// Errors
var (
	ErrMissingInstrument = errors.New("instrument name is required")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrMissingPrice      = errors.New("limit orders require a price")
)

// Buy places a buy order.
func (c *Client) Buy(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return c.placeOrder(ctx, "private/buy", req)
}

// Sell places a sell order.
func (c *Client) Sell(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return c.placeOrder(ctx, "private/sell", req)
}

func (c *Client) placeOrder(ctx context.Context, method string, req OrderRequest) (*OrderResponse, error) {
	params, err := req.params()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var resp OrderResponse
	if err := c.do(ctx, method, params, ratelimit.ClassOrder, &resp); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.InstrumentName, err)
	}
	return &resp, nil
}

// params builds the named parameters, omitting unset optional fields.
func (r OrderRequest) params() (rpc.Params, error) {
	if r.InstrumentName == "" {
		return nil, ErrMissingInstrument
	}
	if r.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	typ := r.Type
	if typ == "" {
		typ = OrderLimit
	}
	if (typ == OrderLimit || typ == OrderStopLimit) && r.Price <= 0 {
		return nil, ErrMissingPrice
	}

	p := rpc.Params{
		"instrument_name": r.InstrumentName,
		"amount":          r.Amount,
		"type":            string(typ),
	}
	if r.Price > 0 {
		p["price"] = r.Price
	}
	if r.Label != "" {
		p["label"] = r.Label
	}
	if r.TimeInForce != "" {
		p["time_in_force"] = r.TimeInForce
	}
	if r.PostOnly {
		p["post_only"] = true
	}
	if r.ReduceOnly {
		p["reduce_only"] = true
	}
	if r.TriggerPrice > 0 {
		p["trigger_price"] = r.TriggerPrice
	}
	if r.Trigger != "" {
		p["trigger"] = r.Trigger
	}
	return p, nil
}

// Cancel cancels one order and returns its final state.
func (c *Client) Cancel(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, errors.New("cancel: order id is required")
	}

	var order Order
	if err := c.do(ctx, "private/cancel", rpc.Params{"order_id": orderID}, ratelimit.ClassCancel, &order); err != nil {
		return nil, fmt.Errorf("cancel %s: %w", orderID, err)
	}
	return &order, nil
}

// CancelAll cancels open orders and returns how many were cancelled.
func (c *Client) CancelAll(ctx context.Context, opts CancelAllOptions) (int, error) {
	method := "private/cancel_all"
	params := rpc.Params{}

	switch {
	case opts.InstrumentName != "":
		method = "private/cancel_all_by_instrument"
		params["instrument_name"] = opts.InstrumentName
	case opts.Currency != "":
		method = "private/cancel_all_by_currency"
		params["currency"] = opts.Currency
		if opts.Kind != "" {
			params["kind"] = opts.Kind
		}
		if opts.Label != "" {
			params["label"] = opts.Label
		}
	}

	var cancelled int
	if err := c.do(ctx, method, params, ratelimit.ClassCancel, &cancelled); err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	return cancelled, nil
}

// GetPositions lists open positions for a currency. kind may be empty.
func (c *Client) GetPositions(ctx context.Context, currency, kind string) ([]Position, error) {
	params := rpc.Params{}
	if currency != "" {
		params["currency"] = currency
	}
	if kind != "" {
		params["kind"] = kind
	}

	var positions []Position
	if err := c.doWithRetry(ctx, "private/get_positions", params, &positions); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	return positions, nil
}
