package exchange

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"quantbot-go/internal/signal"
)

// LoadCSV reads candle history from a CSV file with the header
// ts,open,high,low,close,volume. Timestamps are unix seconds or RFC3339, and
// must be strictly increasing.
func LoadCSV(path string) ([]signal.Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 6

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read history header: %w", err)
	}
	if header[0] != "ts" {
		return nil, fmt.Errorf("unexpected history header %v", header)
	}

	series := signal.NewSeries(0)
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read history line %d: %w", line+1, err)
		}
		line++

		ts, err := parseTimestamp(record[0])
		if err != nil {
			return nil, fmt.Errorf("history line %d: %w", line, err)
		}
		var values [5]float64
		for i, raw := range record[1:] {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("history line %d: invalid value %q", line, raw)
			}
			values[i] = v
		}
		candle := signal.Candle{
			Ts:     ts,
			Open:   values[0],
			High:   values[1],
			Low:    values[2],
			Close:  values[3],
			Volume: values[4],
		}
		if err := series.Append(candle); err != nil {
			return nil, fmt.Errorf("history line %d: %w", line, err)
		}
	}
	return series.Candles(), nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
	}
	return ts.UTC(), nil
}
