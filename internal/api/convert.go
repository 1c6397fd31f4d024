package api

import "time"

// MillisToTime converts a venue timestamp in milliseconds since epoch.
// Returns the zero time for 0.
func MillisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// TimeToMillis converts t to venue milliseconds. The zero time maps to 0.
func TimeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Mid returns the midpoint of the best bid and ask, or false when either
// side of the book is empty.
func (b *OrderBook) Mid() (float64, bool) {
	if b.BestBidPrice == nil || b.BestAskPrice == nil || *b.BestBidPrice == 0 || *b.BestAskPrice == 0 {
		return 0, false
	}
	return (*b.BestBidPrice + *b.BestAskPrice) / 2, true
}

// Spread returns best ask minus best bid, or false when either side of the
// book is empty.
func (b *OrderBook) Spread() (float64, bool) {
	if b.BestBidPrice == nil || b.BestAskPrice == nil || *b.BestBidPrice == 0 || *b.BestAskPrice == 0 {
		return 0, false
	}
	return *b.BestAskPrice - *b.BestBidPrice, true
}

// Expiration returns the instrument's expiry, or the zero time for
// perpetuals and spot.
func (i *Instrument) Expiration() time.Time {
	// Perpetuals report a far-future sentinel expiry.
	if i.SettlementPeriod == "perpetual" || i.Kind == "spot" {
		return time.Time{}
	}
	return MillisToTime(i.ExpirationTimestamp)
}
