package access

import (
	"context"

	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/storage"

	"github.com/olivere/elastic/v7"
	"github.com/toolkits/pkg/logger"
)

// Dedupe keeps the first event of every event_id.
func Dedupe(events []*models.Event) []*models.Event {
	seen := make(map[string]struct{}, len(events))
	out := events[:0]
	for _, e := range events {
		if _, ok := seen[e.EventId]; ok {
			continue
		}
		seen[e.EventId] = struct{}{}
		out = append(out, e)
	}
	return out
}

// persist bulk-creates the events into the daily event index and returns the
// ones that should continue to the alert builder.
func (s *Service) persist(ctx context.Context, events []*models.Event) []*models.Event {
	if s.es == nil || len(events) == 0 {
		return events
	}

	prefix := s.store.Config().EventIndex
	requests := make([]elastic.BulkableRequest, 0, len(events))
	for _, e := range events {
		requests = append(requests, elastic.NewBulkIndexRequest().
			Index(storage.DailyIndex(prefix, e.Time)).
			OpType("create").
			Id(e.EventId).
			Doc(e))
	}

	result, err := storage.BulkDo(ctx, s.es, requests)
	if err != nil {
		// cache is truth, events still reach the builder
		logger.Errorf("alarm_access: failed to save %d events: %v", len(events), err)
		s.stats.Failed(stagePersist)
		return events
	}
	s.stats.Success(stagePersist)

	kept := events[:0]
	for _, e := range events {
		switch result[e.EventId] {
		case storage.BulkConflict:
			s.stats.Drop("event_conflict")
			logger.Debugf("alarm_access: event %s already exists", e.EventId)
		case storage.BulkMappingError:
			s.stats.Drop("event_mapping_error")
		default:
			kept = append(kept, e)
		}
	}
	return kept
}
