package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"quantbot-go/internal/metrics"
	"quantbot-go/internal/signal"
)

type binanceEnvelope struct {
	Stream string           `json:"stream"`
	Data   binanceKlineData `json:"data"`
}

type binanceKlineData struct {
	Symbol string       `json:"s"`
	Kline  binanceKline `json:"k"`
}

type binanceKline struct {
	OpenTime int64  `json:"t"`
	Open     string `json:"o"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Close    string `json:"c"`
	Volume   string `json:"v"`
	Closed   bool   `json:"x"`
}

func (f *Feed) runBinance(ctx context.Context, out chan<- signal.Candle) error {
	stream := strings.ToLower(f.symbol) + "@kline_" + f.timeframe
	url := fmt.Sprintf("%s/stream?streams=%s", f.wsBaseURL, stream)
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.consumeBinanceStream(ctx, url, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn().Err(err).Msg("binance feed disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

func (f *Feed) consumeBinanceStream(ctx context.Context, url string, out chan<- signal.Candle) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.log.Info().Str("provider", ProviderBinance).Str("symbol", f.symbol).Str("timeframe", f.timeframe).
		Msg("connected market data feed")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.Warn().Err(err).Msg("binance ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		candle, closed, err := parseKlineMessage(message)
		if err != nil {
			f.log.Warn().Err(err).Msg("failed to decode binance kline")
			continue
		}
		// In-progress klines repeat until close; the pipeline only ever sees
		// finished bars.
		if !closed {
			continue
		}

		select {
		case out <- candle:
			metrics.CandlesTotal.WithLabelValues(f.symbol).Inc()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// parseKlineMessage decodes one combined-stream kline payload. The second
// return reports whether the kline is closed.
func parseKlineMessage(message []byte) (signal.Candle, bool, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return signal.Candle{}, false, err
	}
	k := env.Data.Kline
	fields := [5]string{k.Open, k.High, k.Low, k.Close, k.Volume}
	var values [5]float64
	for i, raw := range fields {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return signal.Candle{}, false, fmt.Errorf("invalid kline field %q: %w", raw, err)
		}
		values[i] = v
	}
	candle := signal.Candle{
		Ts:     time.UnixMilli(k.OpenTime).UTC(),
		Open:   values[0],
		High:   values[1],
		Low:    values[2],
		Close:  values[3],
		Volume: values[4],
	}
	return candle, k.Closed, nil
}
