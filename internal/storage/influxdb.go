// internal/storage/influxdb.go
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/skalibog/bgbot/internal/config"
	"github.com/skalibog/bgbot/pkg/models"
)

const (
	measurementEvents  = "trade_events"
	measurementCandles = "candles"
)

// EventStore интерфейс хранилища событий торговли
type EventStore interface {
	SaveEvent(ctx context.Context, event models.Event) error
	RecentEvents(ctx context.Context, limit int) ([]models.Event, error)
	SaveCandles(ctx context.Context, symbol, interval string, candles []models.Candle) error
	Close()
}

// InfluxDBStorage реализует EventStore с использованием InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(ctx context.Context, cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	return &InfluxDBStorage{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() {
	s.client.Close()
}

// Notify позволяет использовать хранилище как получателя событий
func (s *InfluxDBStorage) Notify(ctx context.Context, event models.Event) error {
	return s.SaveEvent(ctx, event)
}

// SaveEvent сохраняет событие
func (s *InfluxDBStorage) SaveEvent(ctx context.Context, event models.Event) error {
	if err := s.writeAPI.WritePoint(ctx, eventPoint(event)); err != nil {
		return fmt.Errorf("ошибка записи события: %w", err)
	}
	return nil
}

// eventPoint строит точку: теги type, severity, symbol; поля message и числовые поля события
func eventPoint(event models.Event) *write.Point {
	fields := map[string]interface{}{
		"message": event.Message,
	}
	for k, v := range event.Fields {
		fields[k] = v
	}

	ts := event.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	return influxdb2.NewPoint(
		measurementEvents,
		map[string]string{
			"type":     string(event.Type),
			"severity": string(event.Severity),
			"symbol":   event.Symbol,
		},
		fields,
		ts,
	)
}

// SaveCandles сохраняет свечи, по которым считалась оценка
func (s *InfluxDBStorage) SaveCandles(ctx context.Context, symbol, interval string, candles []models.Candle) error {
	points := make([]*write.Point, 0, len(candles))
	for _, candle := range candles {
		points = append(points, influxdb2.NewPoint(
			measurementCandles,
			map[string]string{
				"symbol":   symbol,
				"interval": interval,
			},
			map[string]interface{}{
				"open":   candle.Open,
				"high":   candle.High,
				"low":    candle.Low,
				"close":  candle.Close,
				"volume": candle.Volume,
			},
			candle.Time,
		))
	}

	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("ошибка записи свечей: %w", err)
	}
	return nil
}

func recentEventsQuery(bucket string, limit int) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -7d)
			|> filter(fn: (r) => r._measurement == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> group()
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, bucket, measurementEvents, limit)
}

// служебные колонки Flux, которые не являются полями события
var reservedColumns = map[string]bool{
	"result": true, "table": true, "_start": true, "_stop": true, "_time": true,
	"_measurement": true, "type": true, "severity": true, "symbol": true, "message": true,
}

// RecentEvents получает последние события, новые первыми
func (s *InfluxDBStorage) RecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	result, err := s.queryAPI.Query(ctx, recentEventsQuery(s.bucket, limit))
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса событий: %w", err)
	}

	var events []models.Event
	for result.Next() {
		record := result.Record()
		events = append(events, recordToEvent(record.Time(), record.Values()))
	}

	// Проверяем на ошибки при обработке результатов
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}
	return events, nil
}

func recordToEvent(ts time.Time, values map[string]interface{}) models.Event {
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}

	event := models.Event{
		Type:     models.EventType(str("type")),
		Severity: models.Severity(str("severity")),
		Symbol:   str("symbol"),
		Message:  str("message"),
		Time:     ts,
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if reservedColumns[k] || strings.HasPrefix(k, "_") {
			continue
		}
		if f, ok := values[k].(float64); ok {
			if event.Fields == nil {
				event.Fields = make(map[string]float64)
			}
			event.Fields[k] = f
		}
	}
	return event
}
