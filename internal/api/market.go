package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/deribit-session/internal/rpc"
)

// GetTime returns the venue's clock.
func (c *Client) GetTime(ctx context.Context) (time.Time, error) {
	var ms int64
	if err := c.doWithRetry(ctx, "public/get_time", rpc.Params{}, &ms); err != nil {
		return time.Time{}, fmt.Errorf("get time: %w", err)
	}
	return MillisToTime(ms), nil
}

// GetInstruments lists instruments for a currency.
func (c *Client) GetInstruments(ctx context.Context, opts GetInstrumentsOptions) ([]Instrument, error) {
	if opts.Currency == "" {
		return nil, errors.New("get instruments: currency is required")
	}

	params := rpc.Params{"currency": opts.Currency}
	if opts.Kind != "" {
		params["kind"] = opts.Kind
	}
	if opts.Expired {
		params["expired"] = true
	}

	var instruments []Instrument
	if err := c.doWithRetry(ctx, "public/get_instruments", params, &instruments); err != nil {
		return nil, fmt.Errorf("get instruments: %w", err)
	}
	return instruments, nil
}

// GetInstrument fetches a single instrument by name.
func (c *Client) GetInstrument(ctx context.Context, name string) (*Instrument, error) {
	var inst Instrument
	params := rpc.Params{"instrument_name": name}
	if err := c.doWithRetry(ctx, "public/get_instrument", params, &inst); err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", name, err)
	}
	return &inst, nil
}

// GetOrderBook fetches the order book for an instrument. depth 0 leaves
// the venue default.
func (c *Client) GetOrderBook(ctx context.Context, name string, depth int) (*OrderBook, error) {
	params := rpc.Params{"instrument_name": name}
	if depth > 0 {
		params["depth"] = depth
	}

	var book OrderBook
	if err := c.doWithRetry(ctx, "public/get_order_book", params, &book); err != nil {
		return nil, fmt.Errorf("get order book %s: %w", name, err)
	}
	return &book, nil
}
