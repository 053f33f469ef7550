package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/internal/observability"
	"github.com/tidemark-io/tidemark/internal/schema"
)

const maxReconnectInterval = 30 * time.Second

// run maintains the combined stream (book tickers plus the user data stream)
// with automatic reconnection, and keeps the listen key alive.
func (c *Connector) run(ctx context.Context, wsEndpoint, listenKey string) {
	defer close(c.done)
	defer close(c.events)
	defer close(c.ticks)

	go c.keepAliveLoop(ctx, listenKey)

	streamURL := c.streamURL(wsEndpoint, listenKey)
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(ctx, streamURL, nil)
		if err != nil {
			observability.Log().Error("binance stream dial failed",
				observability.F("account", c.account.String()),
				observability.F("error", err.Error()))
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectInterval
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
				continue
			}
		}
		conn.SetReadLimit(1 << 20)
		backoffCfg.Reset()

		if err := c.readLoop(ctx, conn); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			observability.Log().Error("binance stream read loop ended",
				observability.F("account", c.account.String()),
				observability.F("error", err.Error()))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (c *Connector) streamURL(wsEndpoint, listenKey string) string {
	streams := make([]string, 0, len(c.symbols)+1)
	for _, symbol := range c.symbols {
		streams = append(streams, strings.ToLower(wireSymbol(symbol))+"@bookTicker")
	}
	streams = append(streams, listenKey)
	return strings.TrimRight(wsEndpoint, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

func (c *Connector) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.rest.keepAliveListenKey(ctx, listenKey); err != nil {
				observability.Log().Error("binance listen key keepalive failed",
					observability.F("account", c.account.String()),
					observability.F("error", err.Error()))
			}
		}
	}
}

func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		c.handleMessage(data)
	}
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTickerPayload struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

type executionReportPayload struct {
	EventType     string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	OrigClientID  string `json:"C"`
	Side          string `json:"S"`
	Price         string `json:"p"`
	Quantity      string `json:"q"`
	ExecutionType string `json:"x"`
	OrderID       int64  `json:"i"`
	TradeID       int64  `json:"t"`
	LastFillQty   string `json:"l"`
	LastFillPrice string `json:"L"`
	Commission    string `json:"n"`
}

func (c *Connector) handleMessage(data []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil || len(frame.Data) == 0 {
		return
	}

	if strings.HasSuffix(frame.Stream, "@bookTicker") {
		c.handleBookTicker(frame.Data)
		return
	}
	// Everything else arrives on the listen key stream.
	var header struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(frame.Data, &header); err != nil {
		return
	}
	if header.EventType == "executionReport" {
		c.handleExecutionReport(frame.Data)
	}
}

func (c *Connector) handleBookTicker(data []byte) {
	var payload bookTickerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	bid, err := decimal.NewFromString(payload.Bid)
	if err != nil {
		return
	}
	ask, err := decimal.NewFromString(payload.Ask)
	if err != nil {
		return
	}
	tick := schema.MarketTick{
		Account:    c.account,
		Symbol:     c.engineSymbol(payload.Symbol),
		Bid:        bid,
		Ask:        ask,
		Generation: c.currentGeneration(),
		Timestamp:  time.Now().UTC(),
	}
	select {
	case c.ticks <- tick:
	default:
	}
}

func (c *Connector) handleExecutionReport(data []byte) {
	var report executionReportPayload
	if err := json.Unmarshal(data, &report); err != nil {
		return
	}
	evt, ok := c.translateExecution(report)
	if !ok {
		return
	}
	select {
	case c.events <- evt:
	default:
		observability.Log().Error("binance event stream saturated, dropping event",
			observability.F("account", c.account.String()),
			observability.F("order", evt.ClientID))
	}
}

// translateExecution maps a venue execution report onto the engine's event
// shape. Reports that do not change order state (e.g. replaced) are ignored.
func (c *Connector) translateExecution(report executionReportPayload) (schema.ExchangeEvent, bool) {
	var kind schema.EventKind
	switch report.ExecutionType {
	case "NEW":
		kind = schema.EventOrderAccepted
	case "TRADE":
		kind = schema.EventOrderFilled
	case "CANCELED", "EXPIRED":
		kind = schema.EventOrderCanceled
	case "REJECTED":
		kind = schema.EventOrderRejected
	default:
		return schema.ExchangeEvent{}, false
	}

	clientID := report.ClientOrderID
	if kind == schema.EventOrderCanceled && report.OrigClientID != "" {
		clientID = report.OrigClientID
	}

	// The stream carries no per-account sequence, so stamp an explicit
	// idempotency key from the venue-unique report identity: the trade id
	// for fills, the event time for everything else.
	discriminator := report.EventTime
	if kind == schema.EventOrderFilled {
		discriminator = report.TradeID
	}

	evt := schema.ExchangeEvent{
		Key:        fmt.Sprintf("%s:%d:%s:%d", c.account, report.OrderID, kind, discriminator),
		Kind:       kind,
		Account:    c.account,
		ClientID:   clientID,
		ExchangeID: formatOrderID(report.OrderID),
		Symbol:     c.engineSymbol(report.Symbol),
		Side:       parseSide(report.Side),
		Price:      parseDecimal(report.Price),
		Amount:     parseDecimal(report.Quantity),
		Generation: c.currentGeneration(),
		Timestamp:  time.UnixMilli(report.EventTime).UTC(),
	}
	if kind == schema.EventOrderFilled {
		evt.FillAmount = parseDecimal(report.LastFillQty)
		evt.FillPrice = parseDecimal(report.LastFillPrice)
		evt.Commission = parseDecimal(report.Commission)
		if evt.FillAmount.Sign() <= 0 {
			return schema.ExchangeEvent{}, false
		}
	}
	return evt, true
}

func parseSide(raw string) schema.TradeSide {
	if strings.EqualFold(raw, "SELL") {
		return schema.SideSell
	}
	return schema.SideBuy
}

func parseDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func formatOrderID(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}
