package alertstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/storage"

	jsoniter "github.com/json-iterator/go"
	"github.com/olivere/elastic/v7"
	"github.com/pkg/errors"
	"github.com/toolkits/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	AlertIndex  string
	LogIndex    string
	EventIndex  string
	SnapshotTTL time.Duration
	DedupeTTL   time.Duration
}

// Ref locates the cached content of an alert.
type Ref struct {
	AlertId    int64
	StrategyId int64
	DedupeMD5  string
}

func (r Ref) value() string {
	return fmt.Sprintf("%d|%s", r.StrategyId, r.DedupeMD5)
}

func parseRef(alertId, raw string) (Ref, bool) {
	id, err := strconv.ParseInt(alertId, 10, 64)
	if err != nil {
		return Ref{}, false
	}
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return Ref{}, false
	}
	sid, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Ref{}, false
	}
	return Ref{AlertId: id, StrategyId: sid, DedupeMD5: parts[1]}, true
}

func RefOf(a *models.Alert) Ref {
	return Ref{AlertId: a.Id, StrategyId: a.StrategyId, DedupeMD5: a.DedupeMD5}
}

// Store persists alerts: the dedupe content and active set in redis, snapshots, documents and logs in elasticsearch.
type Store struct {
	conf  Config
	keys  common.KeyFactory
	redis storage.Redis
	es    *elastic.Client
}

func New(conf Config, keys common.KeyFactory, r storage.Redis, es *elastic.Client) *Store {
	if conf.AlertIndex == "" {
		conf.AlertIndex = "alarm_alert"
	}
	if conf.LogIndex == "" {
		conf.LogIndex = "alarm_alert_log"
	}
	if conf.EventIndex == "" {
		conf.EventIndex = "alarm_event"
	}
	return &Store{conf: conf, keys: keys, redis: r, es: es}
}

func (s *Store) Config() Config {
	return s.conf
}

func decodeAlert(bs []byte) (*models.Alert, error) {
	var a models.Alert
	if err := json.Unmarshal(bs, &a); err != nil {
		return nil, err
	}
	a.Mark()
	return &a, nil
}

// GetCached returns the latest alert of a dedupe key, nil when there is none.
func (s *Store) GetCached(ctx context.Context, strategyId int64, dedupeMD5 string) (*models.Alert, error) {
	bs, err := s.redis.Get(ctx, s.keys.AlertDedupeContent(strategyId, dedupeMD5)).Bytes()
	if storage.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAlert(bs)
}

// MGetCached is GetCached for many keys, the result is aligned with refs.
func (s *Store) MGetCached(ctx context.Context, refs []Ref) []*models.Alert {
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = s.keys.AlertDedupeContent(r.StrategyId, r.DedupeMD5)
	}
	out := make([]*models.Alert, len(refs))
	for i, bs := range storage.MGet(ctx, s.redis, keys) {
		if bs == nil {
			continue
		}
		a, err := decodeAlert(bs)
		if err != nil {
			logger.Errorf("alertstore: broken cache content of %s: %v", keys[i], err)
			continue
		}
		out[i] = a
	}
	return out
}

// UpdateCache writes the dedupe content and maintains the active set, in slice order.
func (s *Store) UpdateCache(ctx context.Context, alerts []*models.Alert) (updated, finished int, err error) {
	if len(alerts) == 0 {
		return 0, 0, nil
	}
	pipe := s.redis.Pipeline()
	for _, a := range alerts {
		bs, err := json.Marshal(a)
		if err != nil {
			return 0, 0, errors.WithMessagef(err, "failed to marshal %s", a)
		}
		pipe.Set(ctx, s.keys.AlertDedupeContent(a.StrategyId, a.DedupeMD5), bs, s.conf.DedupeTTL)
		if a.IsAbnormal() {
			pipe.HSet(ctx, s.keys.ActiveAlerts(), a.DocId(), RefOf(a).value())
			updated++
		} else {
			pipe.HDel(ctx, s.keys.ActiveAlerts(), a.DocId())
			finished++
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return updated, finished, nil
}

// Deactivate removes alerts from the active set without touching their content.
func (s *Store) Deactivate(ctx context.Context, alertIds ...int64) error {
	if len(alertIds) == 0 {
		return nil
	}
	fields := make([]string, len(alertIds))
	for i, id := range alertIds {
		fields[i] = strconv.FormatInt(id, 10)
	}
	return s.redis.HDel(ctx, s.keys.ActiveAlerts(), fields...).Err()
}

// ActiveAlerts lists the refs of every abnormal alert.
func (s *Store) ActiveAlerts(ctx context.Context) ([]Ref, error) {
	m, err := s.redis.HGetAll(ctx, s.keys.ActiveAlerts()).Result()
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(m))
	for id, raw := range m {
		if r, ok := parseRef(id, raw); ok {
			refs = append(refs, r)
		}
	}
	return refs, nil
}

func (s *Store) SaveSnapshots(ctx context.Context, alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(alerts))
	for _, a := range alerts {
		bs, err := json.Marshal(a)
		if err != nil {
			return err
		}
		values[s.keys.AlertSnapshot(a.StrategyId, a.Id)] = bs
	}
	return storage.MSet(ctx, s.redis, values, s.conf.SnapshotTTL)
}

// GetSnapshot returns the stored copy of one alert, nil when expired.
func (s *Store) GetSnapshot(ctx context.Context, strategyId, alertId int64) (*models.Alert, error) {
	bs, err := s.redis.Get(ctx, s.keys.AlertSnapshot(strategyId, alertId)).Bytes()
	if storage.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAlert(bs)
}

// Load returns the alert of ref from the dedupe content when it is the same alert, else from its snapshot.
func (s *Store) Load(ctx context.Context, ref Ref) (current, alert *models.Alert, err error) {
	current, err = s.GetCached(ctx, ref.StrategyId, ref.DedupeMD5)
	if err != nil {
		return nil, nil, err
	}
	if current != nil && current.Id == ref.AlertId {
		return current, current, nil
	}
	alert, err = s.GetSnapshot(ctx, ref.StrategyId, ref.AlertId)
	return current, alert, err
}

// AlertIndex is the daily index an alert document lives in, picked by its creation time.
func (s *Store) AlertIndex(a *models.Alert) string {
	return storage.DailyIndex(s.conf.AlertIndex, a.Id/10000000)
}

// Upsert writes alert documents by id.
func (s *Store) Upsert(ctx context.Context, alerts []*models.Alert) error {
	if s.es == nil || len(alerts) == 0 {
		return nil
	}
	reqs := make([]elastic.BulkableRequest, 0, len(alerts))
	for _, a := range alerts {
		reqs = append(reqs, elastic.NewBulkUpdateRequest().
			Index(s.AlertIndex(a)).
			Id(a.DocId()).
			Doc(a).
			DocAsUpsert(true))
	}
	res, err := storage.BulkDo(ctx, s.es, reqs)
	if err != nil {
		return err
	}
	if n := res.Count(storage.BulkFailed) + res.Count(storage.BulkMappingError); n > 0 {
		return errors.Errorf("%d of %d alert documents failed", n, len(alerts))
	}
	return nil
}

func logDocId(l models.AlertLog, seq int) string {
	return fmt.Sprintf("%d.%d.%s.%d", l.AlertId, l.Time, l.Op, seq)
}

// SaveLogs indexes the operation logs collected in this round.
func (s *Store) SaveLogs(ctx context.Context, alerts []*models.Alert) error {
	var reqs []elastic.BulkableRequest
	for _, a := range alerts {
		for i, l := range a.Logs {
			l.AlertId = a.Id
			reqs = append(reqs, elastic.NewBulkIndexRequest().
				Index(storage.DailyIndex(s.conf.LogIndex, l.Time)).
				Id(logDocId(l, i)).
				Doc(l))
		}
	}
	if s.es == nil || len(reqs) == 0 {
		return nil
	}
	_, err := storage.BulkDo(ctx, s.es, reqs)
	return err
}

// CountEvents counts the events of a strategy since a time matching every condition.
func (s *Store) CountEvents(ctx context.Context, strategyId int64, conds []models.Condition, since int64) (int64, error) {
	if s.es == nil {
		return 0, nil
	}
	q := elastic.NewBoolQuery().
		Filter(elastic.NewTermQuery("strategy_id", strategyId)).
		Filter(elastic.NewRangeQuery("time").Gte(since))
	for _, c := range conds {
		if len(c.Value) == 0 {
			continue
		}
		field := "dimensions." + c.Key
		values := make([]interface{}, len(c.Value))
		for i, v := range c.Value {
			values[i] = v
		}
		switch c.Method {
		case "neq":
			q = q.MustNot(elastic.NewTermsQuery(field, values...))
		default:
			q = q.Filter(elastic.NewTermsQuery(field, values...))
		}
	}
	return s.es.Count(s.conf.EventIndex + "_*").Query(q).Do(ctx)
}
