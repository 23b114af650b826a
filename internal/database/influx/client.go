// Package influx provides time-series telemetry storage for the pool
// accounting service: per-device worker readings and network difficulty
// samples used by the display layer's charts.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series telemetry
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Worker telemetry

// RecordTemperature writes one device temperature reading.
func (c *Client) RecordTemperature(_ context.Context, user, worker string, device int, value float64, at time.Time) error {
	tags := map[string]string{
		"user":   user,
		"worker": worker,
		"device": strconv.Itoa(device),
	}
	fields := map[string]interface{}{
		"temperature": value,
	}

	c.writeAPI.WritePoint(write.NewPoint("worker_temperature", tags, fields, at))
	return nil
}

// RecordHashrate writes one device hashrate reading in raw hashes.
func (c *Client) RecordHashrate(_ context.Context, user, worker string, device int, value float64, at time.Time) error {
	tags := map[string]string{
		"user":   user,
		"worker": worker,
		"device": strconv.Itoa(device),
	}
	fields := map[string]interface{}{
		"hashrate": value,
	}

	c.writeAPI.WritePoint(write.NewPoint("worker_hashrate", tags, fields, at))
	return nil
}

// Chain telemetry

// RecordNetworkDifficulty writes one network difficulty sample.
func (c *Client) RecordNetworkDifficulty(difficulty float64, height int64, at time.Time) {
	fields := map[string]interface{}{
		"difficulty": difficulty,
		"height":     height,
	}

	c.writeAPI.WritePoint(write.NewPoint("network_difficulty", map[string]string{}, fields, at))
}

// RecordBlockFound writes one pool block discovery sample.
func (c *Client) RecordBlockFound(height int64, user string, totalValue int64, at time.Time) {
	tags := map[string]string{
		"user": user,
	}
	fields := map[string]interface{}{
		"height": height,
		"value":  totalValue,
		"count":  1,
	}

	c.writeAPI.WritePoint(write.NewPoint("blocks_found", tags, fields, at))
}

// Queries

// WorkerTemperatureHistory returns a worker's recent device temperatures,
// averaged over five-minute windows.
func (c *Client) WorkerTemperatureHistory(ctx context.Context, user, worker string, duration time.Duration) ([]TelemetryPoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "worker_temperature")
		|> filter(fn: (r) => r.user == "%s")
		|> filter(fn: (r) => r.worker == "%s")
		|> filter(fn: (r) => r._field == "temperature")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), user, worker)

	return c.queryPoints(ctx, query)
}

// WorkerHashrateHistory returns a worker's recent device hashrates,
// averaged over five-minute windows.
func (c *Client) WorkerHashrateHistory(ctx context.Context, user, worker string, duration time.Duration) ([]TelemetryPoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "worker_hashrate")
		|> filter(fn: (r) => r.user == "%s")
		|> filter(fn: (r) => r.worker == "%s")
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), user, worker)

	return c.queryPoints(ctx, query)
}

func (c *Client) queryPoints(ctx context.Context, query string) ([]TelemetryPoint, error) {
	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	var points []TelemetryPoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, TelemetryPoint{
				Time:  record.Time(),
				Value: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// TelemetryPoint is one measurement at a point in time
type TelemetryPoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}
