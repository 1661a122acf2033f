package alarm

import (
	"context"
	"fmt"
	"time"

	"github.com/ccfos/alarmflow/alarm/access"
	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/alertstore"
	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/alarm/builder"
	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/alarm/detect"
	"github.com/ccfos/alarmflow/alarm/dispatch"
	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/alarm/manager"
	"github.com/ccfos/alarmflow/alarm/naming"
	"github.com/ccfos/alarmflow/alarm/queue"
	alarmrt "github.com/ccfos/alarmflow/alarm/router"
	"github.com/ccfos/alarmflow/alarm/shield"
	"github.com/ccfos/alarmflow/conf"
	"github.com/ccfos/alarmflow/cron"
	"github.com/ccfos/alarmflow/memsto"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/ctx"
	"github.com/ccfos/alarmflow/pkg/httpx"
	"github.com/ccfos/alarmflow/pkg/logx"
	"github.com/ccfos/alarmflow/pkg/retry"
	"github.com/ccfos/alarmflow/storage"

	"github.com/olivere/elastic/v7"
	robfig "github.com/robfig/cron/v3"
	"github.com/toolkits/pkg/logger"
)

func Initialize(configFile string, cryptoKey string) (func(), error) {
	config, err := conf.InitConfig(configFile, cryptoKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init config: %v", err)
	}

	logxClean, err := logx.Init(config.Log)
	if err != nil {
		return nil, err
	}

	db, err := storage.New(config.DB)
	if err != nil {
		return nil, err
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	ctx := ctx.NewContext(rootCtx, db)

	redis, err := storage.NewRedis(config.Redis)
	if err != nil {
		cancel()
		return nil, err
	}

	es, err := storage.NewElastic(config.Elastic)
	if err != nil {
		cancel()
		return nil, err
	}

	queues, err := newQueues(config)
	if err != nil {
		cancel()
		return nil, err
	}

	alarmStats := astats.NewSyncStats()

	strategyCache := memsto.NewStrategyCache(ctx, alarmStats)
	shieldCache := memsto.NewShieldCache(ctx, alarmStats)
	assignRuleCache := memsto.NewAssignRuleCache(ctx, alarmStats)
	strategyCache.Start(0)
	shieldCache.Start(aconf.Seconds(config.Alarm.Shield.SyncInterval))
	assignRuleCache.Start(0)

	pl, err := Start(rootCtx, config.Alarm, config.Elastic, config.External, redis, es, queues, alarmStats,
		strategyCache, shieldCache, assignRuleCache)
	if err != nil {
		cancel()
		return nil, err
	}

	expireCron, err := cron.InitShieldExpireCron(ctx, shieldCache, pl.Matcher)
	if err != nil {
		cancel()
		return nil, err
	}

	r := httpx.GinEngine(config.Global.RunMode, config.HTTP)
	alarmrt.New(config.HTTP, pl, alarmStats).Config(r)
	httpClean := httpx.Init(config.HTTP, r)

	return func() {
		cancel()
		expireCron.Stop()
		pl.Stop()
		httpClean()
		queues.Close()
		logxClean()
	}, nil
}

func newQueues(config *conf.ConfigType) (queue.Set, error) {
	if !config.Kafka.Enable {
		logger.Infof("alarm: kafka disabled, use in-process queues of size %d", config.Global.MemoryQueueSize)
		return queue.NewMemorySet(config.Global.MemoryQueueSize), nil
	}
	return queue.NewKafkaSet(config.Kafka)
}

// Pipeline holds the running stages of one process.
type Pipeline struct {
	Detect  *detect.Service
	Access  *access.Service
	Builder *builder.Service
	Manager *manager.Service
	Matcher *shield.Matcher

	publisher *dispatch.Publisher
	crons     []*robfig.Cron
}

// Request hands an on-demand check to the manager, or to the dispatcher when the manager is disabled here.
func (p *Pipeline) Request(ctx context.Context, req *models.CheckRequest, due time.Time) error {
	if p.Manager == nil {
		return p.publisher.Check(ctx, 0, req)
	}
	return p.Manager.Request(ctx, req, due)
}

func (p *Pipeline) Stop() {
	for _, c := range p.crons {
		c.Stop()
	}
}

// Start wires every stage on top of the shared redis, elasticsearch and queues and runs them until ctx is done.
func Start(ctx context.Context, alarmc aconf.Alarm, esc storage.ElasticConfig, extc external.Config,
	redis storage.Redis, es *elastic.Client, queues queue.Set, stats *astats.Stats,
	strategies *memsto.StrategyCacheType, shields *memsto.ShieldCacheType, assignRules *memsto.AssignRuleCacheType) (*Pipeline, error) {
	keys := common.NewKeyFactory(alarmc.KeyPrefix)
	policy := retry.Policy{Attempts: alarmc.Retry.Attempts, Backoff: aconf.Seconds(alarmc.Retry.Backoff)}

	cmdb := external.NewCMDB(extc.CMDB)
	calendar := external.NewCalendar(extc.Calendar)
	querier, err := external.NewMetricQuerier(extc.Prometheus)
	if err != nil {
		return nil, err
	}

	store := alertstore.New(alertstore.Config{
		AlertIndex:  esc.AlertIndex,
		LogIndex:    esc.LogIndex,
		EventIndex:  esc.EventIndex,
		SnapshotTTL: aconf.Seconds(alarmc.Manager.SnapshotTTL),
		DedupeTTL:   aconf.Seconds(alarmc.Manager.DedupeTTL),
	}, keys, redis, es)

	p := &Pipeline{publisher: dispatch.NewPublisher(queues, stats)}
	p.Matcher = shield.NewMatcher(shields, cmdb, alarmc.Shield.Timezone)

	if alarmc.Detect.Enable {
		p.Detect = detect.NewService(alarmc.Detect, keys, redis, strategies, querier, cmdb, queues, stats)
		if err := detect.NewScheduler(p.Detect).Start(ctx); err != nil {
			return nil, err
		}
		go p.Detect.Run(ctx)
	}

	p.Access = access.NewService(alarmc.Access, es, store, queues, stats,
		access.NewHostEnricher(cmdb), access.NewAssignEnricher(assignRules))
	go p.Access.Run(ctx)

	p.Builder = builder.NewService(alarmc.Builder, policy, keys, redis, store, strategies, p.Matcher, queues, stats)
	go p.Builder.Run(ctx)

	if !alarmc.Manager.Disable {
		results, priority := managerStores(p.Detect, alarmc.Detect, keys, redis)
		ring := naming.NewNaming(alarmc.Heartbeat, keys, redis)
		if err := ring.Heartbeats(ctx); err != nil {
			return nil, err
		}
		p.Manager = manager.NewService(alarmc.Manager, policy, keys, redis, store, strategies, results, priority, queues, stats,
			manager.Options{Calendar: calendar, CMDB: cmdb, Shields: p.Matcher, Owner: ring})
		c, err := p.Manager.Start(ctx)
		if err != nil {
			return nil, err
		}
		p.crons = append(p.crons, c)
		go p.Manager.Run(ctx)
	}

	notice := shield.NewNotice(alarmc.Shield, keys, redis, shields, p.Matcher,
		external.NewNotifier(extc.Notice), external.NewRoles(extc.Roles))
	c, err := notice.Start(ctx)
	if err != nil {
		return nil, err
	}
	p.crons = append(p.crons, c)

	go dispatch.NewService(external.NewDispatcher(extc.Dispatcher), queues, stats, policy, alarmc.Manager.Disable).Run(ctx)
	go queue.ReportQueueSize(ctx, stats, queues)

	logger.Infof("alarm: pipeline started, detect:%v manager:%v", p.Detect != nil, p.Manager != nil)
	return p, nil
}

// managerStores reuses the detection stores when detection runs in this process.
func managerStores(d *detect.Service, conf aconf.DetectConfig, keys common.KeyFactory, redis storage.Redis) (*detect.CheckResultStore, *detect.PriorityManager) {
	if d != nil {
		return d.Results, d.Priority
	}
	return detect.NewCheckResultStore(redis, keys, aconf.Seconds(conf.CheckResultRetention)),
		detect.NewPriorityManager(redis, keys, conf.PriorityStaleCycles)
}
