package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	segmentSep = "|"
	fieldSep   = "^"

	// A data frame is flag|tr_id|count|payload.
	minSegments = 4
)

// FrameClass is the outcome of classifying a raw upstream frame.
type FrameClass int

const (
	FrameUnknown FrameClass = iota
	FrameData
	FrameControl
	FrameEncryptedEnvelope
)

func (c FrameClass) String() string {
	switch c {
	case FrameData:
		return "data"
	case FrameControl:
		return "control"
	case FrameEncryptedEnvelope:
		return "encrypted_envelope"
	}
	return "unknown"
}

// ClassifyFrame sorts a frame into JSON envelopes (control or encrypted) and
// delimited real-time data.
func ClassifyFrame(raw []byte) FrameClass {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return FrameUnknown
		}
		if _, iv := envelope["iv"]; iv {
			if _, body := envelope["body"]; body {
				return FrameEncryptedEnvelope
			}
		}
		if _, ok := envelope["header"]; ok {
			return FrameControl
		}
		return FrameUnknown
	}
	if bytes.Contains(trimmed, []byte(segmentSep)) {
		return FrameData
	}
	return FrameUnknown
}

// Status is the per-frame decode outcome.
type Status int

const (
	// StatusDecoded carries a complete Event.
	StatusDecoded Status = iota
	// StatusIgnored marks frames that are not ours to decode: unknown codes,
	// short frames, heartbeats.
	StatusIgnored
	// StatusInvalid is the "ignored because of a decode error" case: the
	// frame was recognised but a field failed to parse. Nothing is
	// delivered, Err holds the parse error, and it is counted apart from
	// StatusIgnored.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusDecoded:
		return "decoded"
	case StatusIgnored:
		return "ignored"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// Result is returned by Decoder.Decode. Err explains Ignored and Invalid.
type Result struct {
	Status Status
	Kind   MessageKind
	Event  Event
	Err    error
}

var (
	errShortFrame     = errors.New("too few segments")
	errUnknownKind    = errors.New("unsupported message kind")
	errShortPayload   = errors.New("too few fields")
	errEncryptedFrame = errors.New("encrypted payload without key material")
)

func ignored(kind MessageKind, err error) Result {
	return Result{Status: StatusIgnored, Kind: kind, Err: err}
}

func invalid(kind MessageKind, err error) Result {
	return Result{Status: StatusInvalid, Kind: kind, Err: err}
}

// PayloadStrategy turns the payload segment of a data frame into plaintext.
// encrypted is true when the frame's flag segment is "1".
type PayloadStrategy interface {
	Payload(kind MessageKind, encrypted bool, payload string) (string, error)
}

// Plaintext passes unencrypted payloads through and ignores encrypted ones.
type Plaintext struct{}

func (Plaintext) Payload(_ MessageKind, encrypted bool, payload string) (string, error) {
	if encrypted {
		return "", errEncryptedFrame
	}
	return payload, nil
}

// Decoder maps data frames to Events. It holds no state of its own beyond
// the rate source and payload strategy.
type Decoder struct {
	rates    RateSource
	strategy PayloadStrategy
}

// NewDecoder creates a decoder. A nil strategy means Plaintext.
func NewDecoder(rates RateSource, strategy PayloadStrategy) *Decoder {
	if strategy == nil {
		strategy = Plaintext{}
	}
	return &Decoder{rates: rates, strategy: strategy}
}

// Decode parses one data frame.
func (d *Decoder) Decode(frame string) Result {
	segs := strings.SplitN(frame, segmentSep, minSegments)
	if len(segs) < minSegments {
		return ignored("", errShortFrame)
	}

	kind := MessageKind(segs[1])
	if !kind.Known() {
		return ignored(kind, fmt.Errorf("%w: %q", errUnknownKind, segs[1]))
	}

	payload, err := d.strategy.Payload(kind, segs[0] == "1", segs[3])
	if err != nil {
		if errors.Is(err, errEncryptedFrame) {
			return ignored(kind, err)
		}
		return invalid(kind, err)
	}

	f := &fieldReader{v: strings.Split(payload, fieldSep)}
	var ev Event
	switch kind {
	case DomesticTick:
		ev, err = d.decodeTick(kind, domesticTickLayout, f)
	case OverseasTick:
		ev, err = d.decodeTick(kind, overseasTickLayout, f)
	case DomesticQuote:
		ev, err = d.decodeQuote(kind, domesticQuoteLayout, f)
	case OverseasQuote:
		ev, err = d.decodeQuote(kind, overseasQuoteLayout, f)
	}
	switch {
	case errors.Is(err, errShortPayload):
		return ignored(kind, err)
	case err != nil:
		return invalid(kind, err)
	}
	return Result{Status: StatusDecoded, Kind: kind, Event: ev}
}

// tickLayout is the field-offset table of a tick message kind.
type tickLayout struct {
	minFields  int
	instrument int
	date       int
	time       int
	last       int
	diff       int
	rate       int
	open       int
	high       int
	low        int
	volume     int
	amount     int
	strength   int
	usd        bool
}

var domesticTickLayout = tickLayout{
	minFields:  35,
	instrument: 0,
	time:       1,
	last:       2,
	diff:       4,
	rate:       5,
	open:       7,
	high:       8,
	low:        9,
	volume:     13,
	amount:     14,
	strength:   18,
	date:       33,
}

var overseasTickLayout = tickLayout{
	minFields:  25,
	instrument: 1,
	date:       6,
	time:       7,
	open:       8,
	high:       9,
	low:        10,
	last:       11,
	diff:       13,
	rate:       14,
	volume:     20,
	amount:     21,
	strength:   24,
	usd:        true,
}

func (d *Decoder) decodeTick(kind MessageKind, l tickLayout, f *fieldReader) (Event, error) {
	if f.count() < l.minFields {
		return Event{}, fmt.Errorf("%w: %s has %d, need %d", errShortPayload, kind, f.count(), l.minFields)
	}

	money := f.integer
	if l.usd {
		rate := decimal.NewFromFloat(d.rates.Rate())
		money = func(i int) int64 { return f.local(i, rate) }
	}

	t := &Tick{
		Instrument:       f.str(l.instrument),
		Date:             f.str(l.date),
		Time:             f.str(l.time),
		Last:             money(l.last),
		ChangeRate:       f.number(l.rate),
		CumulativeVolume: f.integer(l.volume),
		CumulativeAmount: money(l.amount),
		Open:             money(l.open),
		High:             money(l.high),
		Low:              money(l.low),
		PriceDiff:        money(l.diff),
		Strength:         f.number(l.strength),
	}
	if f.err != nil {
		return Event{}, f.err
	}
	return Event{Type: EventTick, Kind: kind, Tick: t}, nil
}

// quoteLayout is the field-offset table of a quote message kind. Level n of
// a side sits at base + n*stride.
type quoteLayout struct {
	minFields  int
	instrument int
	time       int
	askPrice   int
	bidPrice   int
	askSize    int
	bidSize    int
	stride     int
	// partial allows fewer than BookDepth levels when the frame is short.
	partial bool
	usd     bool
}

var domesticQuoteLayout = quoteLayout{
	minFields:  43,
	instrument: 0,
	time:       1,
	askPrice:   3,
	bidPrice:   13,
	askSize:    23,
	bidSize:    33,
	stride:     1,
}

// Overseas levels are six fields wide: bid, ask, bid size, ask size and two
// size deltas.
var overseasQuoteLayout = quoteLayout{
	minFields:  15,
	instrument: 1,
	time:       6,
	bidPrice:   11,
	askPrice:   12,
	bidSize:    13,
	askSize:    14,
	stride:     6,
	partial:    true,
	usd:        true,
}

func (l quoteLayout) levels(n int) int {
	if !l.partial {
		return BookDepth
	}
	levels := (n-l.minFields)/l.stride + 1
	return min(levels, BookDepth)
}

func (d *Decoder) decodeQuote(kind MessageKind, l quoteLayout, f *fieldReader) (Event, error) {
	if f.count() < l.minFields {
		return Event{}, fmt.Errorf("%w: %s has %d, need %d", errShortPayload, kind, f.count(), l.minFields)
	}

	price := f.integer
	if l.usd {
		rate := decimal.NewFromFloat(d.rates.Rate())
		price = func(i int) int64 { return f.local(i, rate) }
	}

	q := &QuoteBook{
		Instrument: f.str(l.instrument),
		Time:       f.str(l.time),
	}
	for n := range l.levels(f.count()) {
		off := n * l.stride
		q.AskPrices[n] = price(l.askPrice + off)
		q.BidPrices[n] = price(l.bidPrice + off)
		q.AskSizes[n] = f.integer(l.askSize + off)
		q.BidSizes[n] = f.integer(l.bidSize + off)
	}
	if f.err != nil {
		return Event{}, f.err
	}
	return Event{Type: EventQuote, Kind: kind, Quote: q}, nil
}

// fieldReader reads positional fields and remembers the first parse error so
// a frame is either fully decoded or dropped.
type fieldReader struct {
	v   []string
	err error
}

func (f *fieldReader) count() int { return len(f.v) }

func (f *fieldReader) str(i int) string {
	if i >= len(f.v) {
		f.fail(i, errShortPayload)
		return ""
	}
	return f.v[i]
}

func (f *fieldReader) integer(i int) int64 {
	s := strings.TrimSpace(f.str(i))
	if f.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f.fail(i, err)
	}
	return n
}

func (f *fieldReader) number(i int) float64 {
	s := strings.TrimSpace(f.str(i))
	if f.err != nil {
		return 0
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		f.fail(i, err)
	}
	return n
}

// local converts a USD amount to local currency, truncating toward zero.
func (f *fieldReader) local(i int, rate decimal.Decimal) int64 {
	s := strings.TrimSpace(f.str(i))
	if f.err != nil {
		return 0
	}
	usd, err := decimal.NewFromString(s)
	if err != nil {
		f.fail(i, err)
		return 0
	}
	return usd.Mul(rate).IntPart()
}

func (f *fieldReader) fail(i int, err error) {
	if f.err == nil {
		f.err = fmt.Errorf("field %d: %w", i, err)
	}
}
