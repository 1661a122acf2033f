package storage

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/olivere/elastic/v7"
	"github.com/toolkits/pkg/logger"
)

type ElasticConfig struct {
	Addrs       []string
	Username    string
	Password    string
	Sniff       bool
	Gzip        bool
	Timeout     int64
	EventIndex  string
	AlertIndex  string
	LogIndex    string
	HealthCheck bool
}

func NewElastic(cfg ElasticConfig) (*elastic.Client, error) {
	opts := []elastic.ClientOptionFunc{
		elastic.SetURL(cfg.Addrs...),
		elastic.SetSniff(cfg.Sniff),
		elastic.SetGzip(cfg.Gzip),
		elastic.SetHealthcheck(cfg.HealthCheck),
		elastic.SetErrorLog(esLogger{}),
	}
	if cfg.Username != "" {
		opts = append(opts, elastic.SetBasicAuth(cfg.Username, cfg.Password))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, elastic.SetHttpClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Millisecond}))
	}

	client, err := elastic.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init elastic client: %w", err)
	}
	return client, nil
}

type esLogger struct{}

func (esLogger) Printf(format string, v ...interface{}) {
	logger.Errorf("elastic: "+format, v...)
}

// DailyIndex names the index of the day ts falls in, e.g. alarm_event_20231114.
func DailyIndex(prefix string, ts int64) string {
	return fmt.Sprintf("%s_%s", prefix, time.Unix(ts, 0).UTC().Format("20060102"))
}

const (
	BulkCreated      = "created"
	BulkConflict     = "conflict"
	BulkMappingError = "mapping_error"
	BulkFailed       = "failed"
)

// BulkResult classifies every document of a bulk request by id.
type BulkResult map[string]string

func (r BulkResult) Count(kind string) int {
	n := 0
	for _, v := range r {
		if v == kind {
			n++
		}
	}
	return n
}

// BulkDo executes requests and classifies the response items.
func BulkDo(ctx context.Context, client *elastic.Client, requests []elastic.BulkableRequest) (BulkResult, error) {
	result := make(BulkResult, len(requests))
	if len(requests) == 0 {
		return result, nil
	}

	resp, err := client.Bulk().Add(requests...).Do(ctx)
	if err != nil {
		return nil, err
	}

	for _, item := range resp.Items {
		for _, r := range item {
			if r == nil {
				continue
			}
			switch {
			case r.Error == nil && r.Status < 300:
				result[r.Id] = BulkCreated
			case r.Status == http.StatusConflict:
				result[r.Id] = BulkConflict
			case r.Error != nil && (r.Error.Type == "mapper_parsing_exception" || r.Error.Type == "illegal_argument_exception"):
				logger.Warningf("elastic: document %s of %s rejected: %s", r.Id, r.Index, r.Error.Reason)
				result[r.Id] = BulkMappingError
			default:
				reason := ""
				if r.Error != nil {
					reason = r.Error.Reason
				}
				logger.Errorf("elastic: document %s of %s failed, status:%d reason:%s", r.Id, r.Index, r.Status, reason)
				result[r.Id] = BulkFailed
			}
		}
	}
	return result, nil
}
