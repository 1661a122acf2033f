package external

import (
	"context"
	"fmt"

	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/poster"
)

type NoticeMessage struct {
	BkBizId   int64    `json:"bk_biz_id"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Ways      []string `json:"notice_ways"`
	Receivers []string `json:"receivers"`
}

// Notifier delivers plain notices, e.g. shield start/end.
type Notifier interface {
	Send(ctx context.Context, msg NoticeMessage) error
}

// Dispatcher is the external action dispatcher.
type Dispatcher interface {
	Signal(ctx context.Context, signal *models.Signal) error
	Check(ctx context.Context, req *models.CheckRequest) error
}

type noticeClient struct {
	cfg APIConfig
}

func NewNotifier(cfg APIConfig) Notifier {
	return &noticeClient{cfg: cfg}
}

func (c *noticeClient) Send(_ context.Context, msg NoticeMessage) error {
	return postAny(c.cfg, "/api/notice/send", msg)
}

type dispatcherClient struct {
	cfg APIConfig
}

func NewDispatcher(cfg APIConfig) Dispatcher {
	return &dispatcherClient{cfg: cfg}
}

func (c *dispatcherClient) Signal(_ context.Context, signal *models.Signal) error {
	return postAny(c.cfg, "/api/action/signal", signal)
}

func (c *dispatcherClient) Check(_ context.Context, req *models.CheckRequest) error {
	return postAny(c.cfg, "/api/action/check", req)
}

func postAny(cfg APIConfig, path string, v interface{}) error {
	err := fmt.Errorf("no address for %s", path)
	for _, addr := range cfg.Addrs {
		if _, err = poster.PostData[interface{}](addr+path, cfg.auth(), cfg.timeout(), v); err == nil {
			return nil
		}
	}
	return err
}
