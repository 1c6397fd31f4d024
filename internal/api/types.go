package api

import (
	"encoding/json"
	"fmt"
)

// Instrument from public/get_instruments
type Instrument struct {
	InstrumentName      string  `json:"instrument_name"`
	Kind                string  `json:"kind"` // future, option, spot, future_combo, option_combo
	BaseCurrency        string  `json:"base_currency"`
	QuoteCurrency       string  `json:"quote_currency"`
	SettlementCurrency  string  `json:"settlement_currency"`
	SettlementPeriod    string  `json:"settlement_period"`
	OptionType          string  `json:"option_type,omitempty"`
	Strike              float64 `json:"strike,omitempty"`
	TickSize            float64 `json:"tick_size"`
	MinTradeAmount      float64 `json:"min_trade_amount"`
	ContractSize        float64 `json:"contract_size"`
	IsActive            bool    `json:"is_active"`
	CreationTimestamp   int64   `json:"creation_timestamp"`   // Milliseconds
	ExpirationTimestamp int64   `json:"expiration_timestamp"` // Milliseconds
	MakerCommission     float64 `json:"maker_commission"`
	TakerCommission     float64 `json:"taker_commission"`
	InstrumentID        int64   `json:"instrument_id"`
}

// GetInstrumentsOptions filters public/get_instruments.
type GetInstrumentsOptions struct {
	Currency string // Required: BTC, ETH, USDC, USDT, EURR or any
	Kind     string // Optional instrument kind
	Expired  bool
}

// PriceLevel is one order book level. The venue encodes it as
// [price, amount].
type PriceLevel struct {
	Price  float64
	Amount float64
}

// UnmarshalJSON decodes the [price, amount] pair.
func (p *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("price level: want 2 elements, got %d", len(pair))
	}
	p.Price, p.Amount = pair[0], pair[1]
	return nil
}

// MarshalJSON encodes the level as [price, amount].
func (p PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Price, p.Amount})
}

// OrderBook from public/get_order_book
type OrderBook struct {
	InstrumentName string       `json:"instrument_name"`
	Timestamp      int64        `json:"timestamp"` // Milliseconds
	State          string       `json:"state"`
	ChangeID       int64        `json:"change_id"`
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`

	BestBidPrice  *float64 `json:"best_bid_price"`
	BestBidAmount float64  `json:"best_bid_amount"`
	BestAskPrice  *float64 `json:"best_ask_price"`
	BestAskAmount float64  `json:"best_ask_amount"`
	LastPrice     *float64 `json:"last_price"`
	MarkPrice     float64  `json:"mark_price"`
	IndexPrice    float64  `json:"index_price"`
	OpenInterest  float64  `json:"open_interest"`
	Funding8h     *float64 `json:"funding_8h,omitempty"`
}

// OrderType is the venue's order type.
type OrderType string

const (
	OrderLimit      OrderType = "limit"
	OrderMarket     OrderType = "market"
	OrderStopLimit  OrderType = "stop_limit"
	OrderStopMarket OrderType = "stop_market"
)

// OrderRequest holds the parameters shared by private/buy and private/sell.
type OrderRequest struct {
	InstrumentName string
	Amount         float64
	Type           OrderType // Defaults to limit
	Price          float64   // Required for limit orders
	Label          string
	TimeInForce    string // good_til_cancelled, fill_or_kill, immediate_or_cancel
	PostOnly       bool
	ReduceOnly     bool
	TriggerPrice   float64
	Trigger        string // index_price, mark_price, last_price
}

// Order is an order as reported by the venue.
type Order struct {
	OrderID             string   `json:"order_id"`
	InstrumentName      string   `json:"instrument_name"`
	Direction           string   `json:"direction"` // buy or sell
	OrderType           string   `json:"order_type"`
	OrderState          string   `json:"order_state"`
	Price               *float64 `json:"price"` // Null for market orders
	Amount              float64  `json:"amount"`
	FilledAmount        float64  `json:"filled_amount"`
	AveragePrice        float64  `json:"average_price"`
	Label               string   `json:"label"`
	TimeInForce         string   `json:"time_in_force"`
	PostOnly            bool     `json:"post_only"`
	ReduceOnly          bool     `json:"reduce_only"`
	CreationTimestamp   int64    `json:"creation_timestamp"`
	LastUpdateTimestamp int64    `json:"last_update_timestamp"`
}

// Trade is one execution.
type Trade struct {
	TradeID        string  `json:"trade_id"`
	OrderID        string  `json:"order_id"`
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Price          float64 `json:"price"`
	Amount         float64 `json:"amount"`
	Fee            float64 `json:"fee"`
	FeeCurrency    string  `json:"fee_currency"`
	Liquidity      string  `json:"liquidity"` // M = maker, T = taker
	Timestamp      int64   `json:"timestamp"`
}

// OrderResponse from private/buy and private/sell
type OrderResponse struct {
	Order  Order   `json:"order"`
	Trades []Trade `json:"trades"`
}

// CancelAllOptions narrows private/cancel_all. With no fields set every
// open order is cancelled.
type CancelAllOptions struct {
	InstrumentName string // Uses cancel_all_by_instrument
	Currency       string // Uses cancel_all_by_currency
	Kind           string // With Currency only
	Label          string // With Currency only
}

// Position from private/get_positions
type Position struct {
	InstrumentName            string   `json:"instrument_name"`
	Kind                      string   `json:"kind"`
	Direction                 string   `json:"direction"` // buy, sell or zero
	Size                      float64  `json:"size"`
	SizeCurrency              float64  `json:"size_currency"`
	AveragePrice              float64  `json:"average_price"`
	MarkPrice                 float64  `json:"mark_price"`
	IndexPrice                float64  `json:"index_price"`
	FloatingProfitLoss        float64  `json:"floating_profit_loss"`
	RealizedProfitLoss        float64  `json:"realized_profit_loss"`
	TotalProfitLoss           float64  `json:"total_profit_loss"`
	InitialMargin             float64  `json:"initial_margin"`
	MaintenanceMargin         float64  `json:"maintenance_margin"`
	EstimatedLiquidationPrice *float64 `json:"estimated_liquidation_price"`
	Leverage                  int      `json:"leverage"`
}
