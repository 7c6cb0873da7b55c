package marketdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

const (
	ChannelPrice = "price"
	ChannelDepth = "depth_book"
)

type subscribeRequest struct {
	Subscribe subscribeBody `json:"subscribe"`
}

type subscribeBody struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

type frame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	Result  json.RawMessage `json:"result"`
}

// PriceUpdate is a decoded price-channel payload. Nil pointers mean the field
// was absent from the frame.
type PriceUpdate struct {
	HasSpread bool
	Bid       float64
	Ask       float64
	Mid       *float64
	Last      *float64
}

// DepthUpdate is a decoded depth_book payload. A nil side was absent.
type DepthUpdate struct {
	Bids []Level
	Asks []Level
}

// number decodes a JSON number or a numeric string
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", b)
	}
	*n = number(f)
	return nil
}

// parseFrame returns the channel name and its payload (under data or result)
func parseFrame(raw []byte) (string, json.RawMessage, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", nil, fmt.Errorf("decode frame: %w", err)
	}
	payload := f.Data
	if len(payload) == 0 || string(payload) == "null" {
		payload = f.Result
	}
	if len(payload) == 0 || string(payload) == "null" {
		return f.Channel, nil, fmt.Errorf("frame on %q has no payload", f.Channel)
	}
	return f.Channel, payload, nil
}

func parsePrice(payload json.RawMessage) (PriceUpdate, error) {
	var p struct {
		Spread    []number `json:"spread"`
		MidPrice  *number  `json:"mid_price"`
		LastPrice *number  `json:"last_price"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return PriceUpdate{}, fmt.Errorf("decode price: %w", err)
	}

	var u PriceUpdate
	if len(p.Spread) >= 2 {
		u.HasSpread = true
		u.Bid = float64(p.Spread[0])
		u.Ask = float64(p.Spread[1])
	}
	if p.MidPrice != nil {
		v := float64(*p.MidPrice)
		u.Mid = &v
	}
	if p.LastPrice != nil {
		v := float64(*p.LastPrice)
		u.Last = &v
	}
	return u, nil
}

func parseDepth(payload json.RawMessage) (DepthUpdate, error) {
	var d struct {
		Bids []json.RawMessage `json:"bids"`
		Asks []json.RawMessage `json:"asks"`
	}
	if err := json.Unmarshal(payload, &d); err != nil {
		return DepthUpdate{}, fmt.Errorf("decode depth: %w", err)
	}

	var u DepthUpdate
	if d.Bids != nil {
		u.Bids = toLevels(d.Bids)
		sort.SliceStable(u.Bids, func(i, j int) bool { return u.Bids[i].Price > u.Bids[j].Price })
	}
	if d.Asks != nil {
		u.Asks = toLevels(d.Asks)
		sort.SliceStable(u.Asks, func(i, j int) bool { return u.Asks[i].Price < u.Asks[j].Price })
	}
	return u, nil
}

// toLevels decodes [price, qty] rows, skipping any row that does not parse
func toLevels(rows []json.RawMessage) []Level {
	levels := make([]Level, 0, len(rows))
	for _, raw := range rows {
		var row []number
		if err := json.Unmarshal(raw, &row); err != nil || len(row) < 2 {
			continue
		}
		levels = append(levels, Level{Price: float64(row[0]), Qty: float64(row[1])})
	}
	return levels
}
