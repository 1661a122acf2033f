package shield

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/common"
	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/storage"

	"github.com/robfig/cron/v3"
	"github.com/toolkits/pkg/logger"
)

// Notice tells the receivers of a shield when it is about to start and when it ended.
type Notice struct {
	conf     aconf.ShieldConfig
	keys     common.KeyFactory
	redis    storage.Redis
	shields  ShieldGetter
	matcher  *Matcher
	notifier external.Notifier
	roles    external.Roles

	now func() time.Time
}

func NewNotice(conf aconf.ShieldConfig, keys common.KeyFactory, r storage.Redis, shields ShieldGetter,
	matcher *Matcher, notifier external.Notifier, roles external.Roles) *Notice {
	return &Notice{
		conf:     conf,
		keys:     keys,
		redis:    r,
		shields:  shields,
		matcher:  matcher,
		notifier: notifier,
		roles:    roles,
		now:      time.Now,
	}
}

func (n *Notice) Start(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(fmt.Sprintf("@every %ds", n.conf.NoticeInterval), func() {
		n.Tick(ctx)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// Tick sends the due start and end notices, the redis lock of a shield keeps them idempotent.
func (n *Notice) Tick(ctx context.Context) {
	now := n.now()
	lockTTL := aconf.Seconds(n.conf.NoticeLockTTL)
	for _, s := range n.shields.GetAll() {
		nc := s.NoticeConfig
		if nc == nil || nc.NoticeTime <= 0 {
			continue
		}
		tm := n.matcher.TimeMatcher(s)
		if tm == nil {
			continue
		}

		key := n.keys.NoticeShieldLock(s.Id)
		exists, err := n.redis.Exists(ctx, key).Result()
		if err != nil {
			logger.Warningf("alarm_shield: shield %d failed to read notice lock: %v", s.Id, err)
			continue
		}
		locked := exists > 0

		switch {
		case !locked && tm.ActiveWithin(now, nc.NoticeTime):
			if err := n.send(ctx, s, true); err != nil {
				logger.Errorf("alarm_shield: shield %d failed to send start notice: %v", s.Id, err)
				continue
			}
			if err := n.redis.Set(ctx, key, now.Unix(), lockTTL).Err(); err != nil {
				logger.Warningf("alarm_shield: shield %d failed to set notice lock: %v", s.Id, err)
			}
		case locked && tm.InactiveWithin(now, nc.NoticeTime+1):
			if err := n.send(ctx, s, false); err != nil {
				logger.Errorf("alarm_shield: shield %d failed to send end notice: %v", s.Id, err)
				continue
			}
			if err := n.redis.Del(ctx, key).Err(); err != nil {
				logger.Warningf("alarm_shield: shield %d failed to delete notice lock: %v", s.Id, err)
			}
		case locked:
			// keep the lock while the shield lasts longer than its ttl
			n.redis.Expire(ctx, key, lockTTL)
		}
	}
}

func (n *Notice) send(ctx context.Context, s *models.Shield, starting bool) error {
	receivers := Receivers(ctx, n.roles, s.BkBizId, s.NoticeConfig.NoticeReceiver)
	if len(receivers) == 0 {
		return nil
	}
	title := fmt.Sprintf("shield %d ends", s.Id)
	if starting {
		title = fmt.Sprintf("shield %d starts within %d minutes", s.Id, s.NoticeConfig.NoticeTime)
	}
	content := title
	if s.Description != "" {
		content += ": " + s.Description
	}
	logger.Infof("alarm_shield: %s, receivers:%v", title, receivers)
	return n.notifier.Send(ctx, external.NoticeMessage{
		BkBizId:   s.BkBizId,
		Title:     title,
		Content:   content,
		Ways:      s.NoticeConfig.NoticeWay,
		Receivers: receivers,
	})
}

// Receivers expands "user:<name>" and "role:<name>" entries, duplicates removed.
func Receivers(ctx context.Context, roles external.Roles, bkBizId int64, raw []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(users ...string) {
		for _, u := range users {
			if _, ok := seen[u]; ok || u == "" {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}

	for _, r := range raw {
		typ, name, ok := strings.Cut(r, ":")
		if !ok {
			add(r)
			continue
		}
		switch typ {
		case "user":
			add(name)
		case "role":
			if roles == nil {
				continue
			}
			users, err := roles.BizRoleUsers(ctx, bkBizId, name)
			if err != nil {
				logger.Warningf("alarm_shield: failed to expand role %s of biz %d: %v", name, bkBizId, err)
				continue
			}
			add(users...)
		}
	}
	return out
}
