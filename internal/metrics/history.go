package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// DataPoint is one recorded score.
type DataPoint struct {
	Timestamp time.Time
	RunID     string
	Value     float64
}

// History keeps scores of past runs so a run can be compared with the
// previous one.
type History interface {
	Save(ctx context.Context, metric string, dp DataPoint) error
	Load(ctx context.Context, metric string, since time.Time) ([]DataPoint, error)
	Close() error
}

// HistoryKey names the series of one model and subset.
func HistoryKey(modelID, subset string) string {
	return "map:" + modelID + ":" + subset
}

// RedisHistory stores each series as a sorted set scored by timestamp.
type RedisHistory struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisHistory connects to Redis. Returns error if connection fails.
func NewRedisHistory(url string) (*RedisHistory, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.ConfigurationErrorf("parsing redis URL: %v", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.ServiceUnavailableError("redis", err)
	}

	return &RedisHistory{
		client:    client,
		prefix:    "rice-eval:history:",
		retention: 90 * 24 * time.Hour,
	}, nil
}

// SetRetention sets how long data points are kept.
func (rh *RedisHistory) SetRetention(d time.Duration) {
	rh.retention = d
}

// Save stores a data point and trims points older than the retention.
func (rh *RedisHistory) Save(ctx context.Context, metric string, dp DataPoint) error {
	key := rh.prefix + metric

	// Members must be unique per run, equal scores from two runs are both kept
	member := dp.RunID + "|" + strconv.FormatFloat(dp.Value, 'g', -1, 64)

	pipe := rh.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(dp.Timestamp.UnixMilli()),
		Member: member,
	})
	cutoff := time.Now().Add(-rh.retention).UnixMilli()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving data point: %w", err)
	}
	return nil
}

// Load returns the points recorded at or after since, oldest first.
func (rh *RedisHistory) Load(ctx context.Context, metric string, since time.Time) ([]DataPoint, error) {
	results, err := rh.client.ZRangeByScoreWithScores(ctx, rh.prefix+metric, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	points := make([]DataPoint, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		runID, raw, ok := strings.Cut(member, "|")
		if !ok {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		points = append(points, DataPoint{
			Timestamp: time.UnixMilli(int64(z.Score)),
			RunID:     runID,
			Value:     value,
		})
	}
	return points, nil
}

// Delete removes a series.
func (rh *RedisHistory) Delete(ctx context.Context, metric string) error {
	if err := rh.client.Del(ctx, rh.prefix+metric).Err(); err != nil {
		return fmt.Errorf("deleting series: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (rh *RedisHistory) Close() error {
	return rh.client.Close()
}

// Previous returns the latest point of a series recorded before the run
// runID, if any.
func Previous(ctx context.Context, h History, metric, runID string) (DataPoint, bool, error) {
	points, err := h.Load(ctx, metric, time.Time{})
	if err != nil {
		return DataPoint{}, false, err
	}
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].RunID != runID {
			return points[i], true, nil
		}
	}
	return DataPoint{}, false, nil
}
