// Package stream maintains the sharded websocket connections to venue
// combined streams and decodes their frames into typed events.
package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventKind tags a decoded frame.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventTrade
	EventDepthDiff
	EventDepthSnapshot
)

// TradeEvent is one aggregated trade from the tape.
type TradeEvent struct {
	Symbol       string // wire symbol, upper case
	TradeID      int64
	Price        float64
	Quantity     float64
	TradeTime    time.Time
	IsBuyerMaker bool
}

// DepthDiffEvent is an incremental book update with its sequence range.
type DepthDiffEvent struct {
	Symbol   string
	FirstSeq int64
	LastSeq  int64
	EventTS  time.Time
	Bids     [][2]float64
	Asks     [][2]float64
}

// DepthSnapshotEvent is a partial-book stream frame carrying the full top
// of book with its sequence number.
type DepthSnapshotEvent struct {
	Symbol       string
	LastUpdateID int64
	Bids         [][2]float64
	Asks         [][2]float64
}

// Event is the decoded form of one combined-stream frame. Exactly one of
// the pointers is set according to Kind.
type Event struct {
	Kind     EventKind
	Stream   string
	Trade    *TradeEvent
	Diff     *DepthDiffEvent
	Snapshot *DepthSnapshotEvent
}

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wireAggTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type wireDepthDiff struct {
	EventType string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	FirstSeq  int64       `json:"U"`
	LastSeq   int64       `json:"u"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

type wirePartialDepth struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// subscribeFrame is the venue's stream management envelope.
type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// EncodeSubscribe renders a SUBSCRIBE frame for the stream names.
func EncodeSubscribe(id int64, streams []string) ([]byte, error) {
	return json.Marshal(subscribeFrame{Method: "SUBSCRIBE", Params: streams, ID: id})
}

// EncodeUnsubscribe renders an UNSUBSCRIBE frame.
func EncodeUnsubscribe(id int64, streams []string) ([]byte, error) {
	return json.Marshal(subscribeFrame{Method: "UNSUBSCRIBE", Params: streams, ID: id})
}

// TradeStream returns the aggregate-trade stream name for a wire symbol.
func TradeStream(wireSymbol string) string {
	return strings.ToLower(wireSymbol) + "@aggTrade"
}

// DepthStream returns the 100ms incremental depth stream name.
func DepthStream(wireSymbol string) string {
	return strings.ToLower(wireSymbol) + "@depth@100ms"
}

// Decode parses one combined-stream frame. Control responses (subscribe
// acks, unknown payloads) decode to EventUnknown and are skipped upstream.
func Decode(raw []byte) (Event, error) {
	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("stream envelope: %w", err)
	}
	if env.Stream == "" || len(env.Data) == 0 {
		return Event{Kind: EventUnknown}, nil
	}

	switch {
	case strings.Contains(env.Stream, "@aggTrade"):
		var w wireAggTrade
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return Event{}, fmt.Errorf("aggTrade frame: %w", err)
		}
		price, err := strconv.ParseFloat(w.Price, 64)
		if err != nil {
			return Event{}, fmt.Errorf("aggTrade price %q: %w", w.Price, err)
		}
		qty, err := strconv.ParseFloat(w.Quantity, 64)
		if err != nil {
			return Event{}, fmt.Errorf("aggTrade qty %q: %w", w.Quantity, err)
		}
		return Event{
			Kind:   EventTrade,
			Stream: env.Stream,
			Trade: &TradeEvent{
				Symbol:       w.Symbol,
				TradeID:      w.TradeID,
				Price:        price,
				Quantity:     qty,
				TradeTime:    time.UnixMilli(w.TradeTime),
				IsBuyerMaker: w.IsBuyerMaker,
			},
		}, nil

	case strings.Contains(env.Stream, "@depth@"):
		var w wireDepthDiff
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return Event{}, fmt.Errorf("depth diff frame: %w", err)
		}
		diff := &DepthDiffEvent{
			Symbol:   w.Symbol,
			FirstSeq: w.FirstSeq,
			LastSeq:  w.LastSeq,
			EventTS:  time.UnixMilli(w.EventTime),
		}
		var err error
		if diff.Bids, err = decodeLevels(w.Bids); err != nil {
			return Event{}, fmt.Errorf("depth diff bids: %w", err)
		}
		if diff.Asks, err = decodeLevels(w.Asks); err != nil {
			return Event{}, fmt.Errorf("depth diff asks: %w", err)
		}
		return Event{Kind: EventDepthDiff, Stream: env.Stream, Diff: diff}, nil

	case strings.Contains(env.Stream, "@depth"):
		var w wirePartialDepth
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return Event{}, fmt.Errorf("partial depth frame: %w", err)
		}
		snap := &DepthSnapshotEvent{
			Symbol:       symbolFromStream(env.Stream),
			LastUpdateID: w.LastUpdateID,
		}
		var err error
		if snap.Bids, err = decodeLevels(w.Bids); err != nil {
			return Event{}, fmt.Errorf("partial depth bids: %w", err)
		}
		if snap.Asks, err = decodeLevels(w.Asks); err != nil {
			return Event{}, fmt.Errorf("partial depth asks: %w", err)
		}
		return Event{Kind: EventDepthSnapshot, Stream: env.Stream, Snapshot: snap}, nil
	}

	return Event{Kind: EventUnknown, Stream: env.Stream}, nil
}

func decodeLevels(wire [][2]string) ([][2]float64, error) {
	levels := make([][2]float64, 0, len(wire))
	for _, lv := range wire {
		price, err := strconv.ParseFloat(lv[0], 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lv[0], err)
		}
		size, err := strconv.ParseFloat(lv[1], 64)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", lv[1], err)
		}
		levels = append(levels, [2]float64{price, size})
	}
	return levels, nil
}

// symbolFromStream extracts the upper-case wire symbol from a stream name
// like "btcusdt@depth20@100ms".
func symbolFromStream(stream string) string {
	if i := strings.IndexByte(stream, '@'); i > 0 {
		return strings.ToUpper(stream[:i])
	}
	return strings.ToUpper(stream)
}
