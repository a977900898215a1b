package feed

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownMarket   = errors.New("feed: unknown market")
	ErrUnknownDataKind = errors.New("feed: unknown data kind")
	ErrEmptyCode       = errors.New("feed: empty instrument code")
	ErrUnknownExchange = errors.New("feed: unknown overseas exchange")
	ErrClosed          = errors.New("feed: gateway closed")
)

// Market identifies which exchange family an instrument trades on.
type Market string

const (
	MarketDomestic Market = "domestic"
	MarketOverseas Market = "overseas"
)

// DataKind selects between trade ticks and order-book snapshots.
type DataKind string

const (
	DataTick  DataKind = "tick"
	DataQuote DataKind = "quote"
)

// MessageKind is the provider's real-time message code (tr_id). It doubles as
// the first half of a SubscriptionKey and selects the decode table.
type MessageKind string

const (
	DomesticTick  MessageKind = "H0STCNT0"
	DomesticQuote MessageKind = "H0STASP0"
	OverseasTick  MessageKind = "HDFSCNT0"
	OverseasQuote MessageKind = "HDFSASP0"
)

// Known reports whether k is one of the four codes the gateway decodes.
func (k MessageKind) Known() bool {
	switch k {
	case DomesticTick, DomesticQuote, OverseasTick, OverseasQuote:
		return true
	}
	return false
}

// Overseas reports whether frames of this kind carry USD-denominated prices.
func (k MessageKind) Overseas() bool {
	return k == OverseasTick || k == OverseasQuote
}

func messageKindFor(m Market, d DataKind) (MessageKind, error) {
	switch m {
	case MarketDomestic:
		switch d {
		case DataTick:
			return DomesticTick, nil
		case DataQuote:
			return DomesticQuote, nil
		}
	case MarketOverseas:
		switch d {
		case DataTick:
			return OverseasTick, nil
		case DataQuote:
			return OverseasQuote, nil
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMarket, m)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDataKind, d)
}

// SubscriptionKey identifies one upstream subscription slot.
type SubscriptionKey struct {
	Kind       MessageKind
	Instrument string
}

func (k SubscriptionKey) String() string {
	return string(k.Kind) + ":" + k.Instrument
}

// SubscriptionRequest is what a downstream session asks for. Exchange is only
// consulted for overseas codes that do not already carry a market prefix.
type SubscriptionRequest struct {
	Market   Market   `json:"market"`
	Code     string   `json:"code"`
	Kind     DataKind `json:"type"`
	Exchange string   `json:"excd,omitempty"`
}

// DefaultOverseasExchange is used when an overseas request has no exchange hint.
const DefaultOverseasExchange = "NAS"

// overseasExchanges are the three-letter market codes the provider accepts
// inside an overseas instrument key.
var overseasExchanges = map[string]struct{}{
	"NAS": {}, "NYS": {}, "AMS": {}, // US regular session
	"BAQ": {}, "BAY": {}, "BAA": {}, // US day session
	"TSE": {}, "HKS": {}, "SHS": {}, "SZS": {}, "HSX": {}, "HNX": {},
}

// exchangeAliases maps the four-letter codes used by the provider's order
// and quote REST APIs to the websocket market codes.
var exchangeAliases = map[string]string{
	"NASD": "NAS", "NYSE": "NYS", "AMEX": "AMS",
	"TKSE": "TSE", "SEHK": "HKS", "SHAA": "SHS", "SZAA": "SZS",
	"VNSE": "HSX", "HASE": "HNX",
}

// Key normalises the request into the provider's subscription key.
func (r SubscriptionRequest) Key() (SubscriptionKey, error) {
	kind := r.Kind
	if kind == "" {
		kind = DataTick
	}
	mk, err := messageKindFor(r.Market, kind)
	if err != nil {
		return SubscriptionKey{}, err
	}

	code := strings.TrimSpace(r.Code)
	if code == "" {
		return SubscriptionKey{}, ErrEmptyCode
	}
	if r.Market == MarketOverseas {
		if code, err = OverseasInstrumentKey(code, r.Exchange); err != nil {
			return SubscriptionKey{}, err
		}
	}
	return SubscriptionKey{Kind: mk, Instrument: code}, nil
}

// OverseasInstrumentKey canonicalises an overseas code to the provider's
// composite form: a D (delayed) or R (real-time) flag, a three-letter market
// and the bare symbol, e.g. DNASAAPL. Codes already in that form pass through
// upper-cased. An empty exchange means DefaultOverseasExchange; any other
// exchange must be a known market code or alias.
func OverseasInstrumentKey(code, exchange string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if hasMarketPrefix(code) {
		return code, nil
	}
	ex, err := overseasExchange(exchange)
	if err != nil {
		return "", err
	}
	return "D" + ex + code, nil
}

func overseasExchange(hint string) (string, error) {
	ex := strings.ToUpper(strings.TrimSpace(hint))
	if ex == "" {
		return DefaultOverseasExchange, nil
	}
	if alias, ok := exchangeAliases[ex]; ok {
		return alias, nil
	}
	if _, ok := overseasExchanges[ex]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownExchange, hint)
	}
	return ex, nil
}

func hasMarketPrefix(code string) bool {
	if len(code) < 5 || (code[0] != 'D' && code[0] != 'R') {
		return false
	}
	_, ok := overseasExchanges[code[1:4]]
	return ok
}

// EventType tags the Event union.
type EventType string

const (
	EventTick  EventType = "tick"
	EventQuote EventType = "quote"
)

// Event is a decoded real-time record. Exactly one of Tick or Quote is set,
// matching Type.
type Event struct {
	Type  EventType   `json:"type"`
	Kind  MessageKind `json:"tr_id"`
	Tick  *Tick       `json:"tick,omitempty"`
	Quote *QuoteBook  `json:"quote,omitempty"`
}

// Instrument returns the instrument key of whichever record the event holds.
func (e Event) Instrument() string {
	switch {
	case e.Tick != nil:
		return e.Tick.Instrument
	case e.Quote != nil:
		return e.Quote.Instrument
	}
	return ""
}

// Tick is a single trade update. Money fields of overseas ticks are already
// converted to local currency units.
type Tick struct {
	Instrument       string  `json:"code"`
	Date             string  `json:"date"`
	Time             string  `json:"time"`
	Last             int64   `json:"price"`
	ChangeRate       float64 `json:"rate"`
	CumulativeVolume int64   `json:"volume"`
	CumulativeAmount int64   `json:"amount"`
	Open             int64   `json:"open"`
	High             int64   `json:"high"`
	Low              int64   `json:"low"`
	PriceDiff        int64   `json:"diff"`
	Strength         float64 `json:"strength"`
}

// BookDepth is the number of price levels per side in a QuoteBook.
const BookDepth = 10

// QuoteBook is an order-book snapshot. Index 0 is the best level. Overseas
// books may only fill index 0.
type QuoteBook struct {
	Instrument string           `json:"code"`
	Time       string           `json:"time"`
	AskPrices  [BookDepth]int64 `json:"ask_prices"`
	BidPrices  [BookDepth]int64 `json:"bid_prices"`
	AskSizes   [BookDepth]int64 `json:"ask_sizes"`
	BidSizes   [BookDepth]int64 `json:"bid_sizes"`
}

// ParseWatchlist parses a comma-separated list of market:code[:type[:excd]]
// entries, e.g. "domestic:005930:quote,overseas:AAPL:tick:NAS". Blank
// entries are skipped. Entries are checked with Key so a bad list fails at
// startup rather than on first subscribe.
func ParseWatchlist(s string) ([]SubscriptionRequest, error) {
	var out []SubscriptionRequest
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 4 {
			return nil, fmt.Errorf("feed: watchlist entry %q: want market:code[:type[:excd]]", entry)
		}
		req := SubscriptionRequest{
			Market: Market(strings.ToLower(parts[0])),
			Code:   parts[1],
		}
		if len(parts) > 2 {
			req.Kind = DataKind(strings.ToLower(parts[2]))
		}
		if len(parts) > 3 {
			req.Exchange = parts[3]
		}
		if _, err := req.Key(); err != nil {
			return nil, fmt.Errorf("feed: watchlist entry %q: %w", entry, err)
		}
		out = append(out, req)
	}
	return out, nil
}
