package external

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ccfos/alarmflow/models"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// MetricQuerier reads time series of one item.
type MetricQuerier interface {
	// Query returns the points of [start, end) aggregated by the item's own method.
	Query(ctx context.Context, item *models.Item, start, end int64) ([]models.DataPoint, error)
	// QueryCount returns the number of raw samples per series and interval.
	QueryCount(ctx context.Context, item *models.Item, start, end int64) ([]models.DataPoint, error)
	// QueryIntelligent returns the anomaly score series of an intelligent model.
	QueryIntelligent(ctx context.Context, item *models.Item, start, end int64) ([]models.DataPoint, error)
}

type promQuerier struct {
	api v1.API
}

type basicAuthTripper struct {
	user, pass string
	next       http.RoundTripper
}

func (b basicAuthTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(b.user, b.pass)
	return b.next.RoundTrip(req)
}

func NewMetricQuerier(cfg PrometheusConfig) (MetricQuerier, error) {
	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: cfg.timeout(),
	}
	if cfg.BasicUser != "" {
		rt = basicAuthTripper{user: cfg.BasicUser, pass: cfg.BasicPass, next: rt}
	}
	cli, err := api.NewClient(api.Config{Address: cfg.Addr, RoundTripper: rt})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create prometheus client")
	}
	return &promQuerier{api: v1.NewAPI(cli)}, nil
}

func (p *promQuerier) Query(ctx context.Context, item *models.Item, start, end int64) ([]models.DataPoint, error) {
	return p.queryRange(ctx, item, BuildPromQL(item, ""), start, end)
}

func (p *promQuerier) QueryCount(ctx context.Context, item *models.Item, start, end int64) ([]models.DataPoint, error) {
	return p.queryRange(ctx, item, BuildPromQL(item, models.AggMethodCount), start, end)
}

func (p *promQuerier) QueryIntelligent(ctx context.Context, item *models.Item, start, end int64) ([]models.DataPoint, error) {
	if len(item.QueryConfigs) == 0 {
		return nil, nil
	}
	qc := item.QueryConfigs[0]
	ql := fmt.Sprintf(`bkmonitor_intelligent_anomaly{item_id="%d",metric_field="%s"}`, item.Id, qc.MetricField)
	return p.queryRange(ctx, item, ql, start, end)
}

func (p *promQuerier) queryRange(ctx context.Context, item *models.Item, ql string, start, end int64) ([]models.DataPoint, error) {
	if ql == "" {
		return nil, errors.Errorf("empty query of item %d", item.Id)
	}
	step := time.Duration(item.Interval()) * time.Second
	value, warnings, err := p.api.QueryRange(ctx, ql, v1.Range{
		Start: time.Unix(start, 0),
		// range query end is inclusive
		End:  time.Unix(end-1, 0),
		Step: step,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to query %s", ql)
	}
	if len(warnings) > 0 {
		return nil, errors.Errorf("query %s got warnings: %v", ql, warnings)
	}
	return MatrixToPoints(value), nil
}

// MatrixToPoints flattens a range result, NaN samples are skipped.
func MatrixToPoints(value model.Value) []models.DataPoint {
	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil
	}
	var points []models.DataPoint
	for _, stream := range matrix {
		dims := make(map[string]string, len(stream.Metric))
		for k, v := range stream.Metric {
			if k == model.MetricNameLabel {
				continue
			}
			dims[string(k)] = string(v)
		}
		for _, s := range stream.Values {
			v := float64(s.Value)
			if math.IsNaN(v) {
				continue
			}
			points = append(points, models.DataPoint{
				Timestamp:  s.Timestamp.Unix(),
				Value:      v,
				Dimensions: dims,
			})
		}
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp < points[j].Timestamp
	})
	return points
}

// BuildPromQL renders the query of the first query config, method overrides the aggregation.
func BuildPromQL(item *models.Item, method string) string {
	if len(item.QueryConfigs) == 0 {
		return ""
	}
	qc := item.QueryConfigs[0]
	if qc.Promql != "" && method == "" {
		return qc.Promql
	}
	if method == "" {
		method = item.AggMethod()
	}

	metric := qc.MetricField
	if qc.ResultTableId != "" {
		metric = strings.ReplaceAll(qc.ResultTableId, ".", ":") + ":" + qc.MetricField
	}
	selector := metric + labelMatchers(qc.AggCondition)
	rng := fmt.Sprintf("[%ds]", item.Interval())

	var inner, outer string
	switch strings.ToUpper(method) {
	case models.AggMethodCount:
		inner, outer = "count_over_time", "sum"
	case models.AggMethodAvg:
		inner, outer = "avg_over_time", "avg"
	case "MAX":
		inner, outer = "max_over_time", "max"
	case "MIN":
		inner, outer = "min_over_time", "min"
	default:
		inner, outer = "sum_over_time", "sum"
	}

	by := ""
	if len(qc.AggDimension) > 0 {
		by = fmt.Sprintf(" by (%s)", strings.Join(qc.AggDimension, ", "))
	}
	return fmt.Sprintf("%s%s (%s(%s%s))", outer, by, inner, selector, rng)
}

func labelMatchers(conds []models.Condition) string {
	if len(conds) == 0 {
		return ""
	}
	var ms []string
	for _, c := range conds {
		if len(c.Value) == 0 {
			continue
		}
		op, value := "=~", strings.Join(c.Value, "|")
		switch c.Method {
		case "eq":
			if len(c.Value) == 1 {
				op = "="
			}
		case "neq":
			op = "!~"
			if len(c.Value) == 1 {
				op = "!="
			}
		case "include", "reg":
			op, value = "=~", ".*("+value+").*"
		case "exclude", "nreg":
			op, value = "!~", ".*("+value+").*"
		}
		ms = append(ms, fmt.Sprintf(`%s%s"%s"`, c.Key, op, value))
	}
	if len(ms) == 0 {
		return ""
	}
	return "{" + strings.Join(ms, ", ") + "}"
}
