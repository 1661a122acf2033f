package router

import (
	"context"
	"net/http"
	"time"

	"github.com/ccfos/alarmflow/alarm/astats"
	"github.com/ccfos/alarmflow/dumper"
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/httpx"

	"github.com/gin-gonic/gin"
	"github.com/toolkits/pkg/ginx"
	"github.com/toolkits/pkg/logger"
)

// Checker runs an on-demand close/recover check of one alert.
type Checker interface {
	Request(ctx context.Context, req *models.CheckRequest, due time.Time) error
}

type Router struct {
	HTTP    httpx.Config
	Checker Checker
	Stats   *astats.Stats
}

func New(httpConfig httpx.Config, checker Checker, stats *astats.Stats) *Router {
	return &Router{
		HTTP:    httpConfig,
		Checker: checker,
		Stats:   stats,
	}
}

func (rt *Router) Config(r *gin.Engine) {
	service := r.Group("/v1/alarm")
	if rt.HTTP.APIForService.Enable && len(rt.HTTP.APIForService.BasicAuth) > 0 {
		service.Use(gin.BasicAuth(rt.HTTP.APIForService.BasicAuth))
	}
	service.POST("/check", rt.checkAlert)
	dumper.ConfigRouter(service)
}

type checkForm struct {
	AlertId    int64  `json:"alert_id"`
	StrategyId int64  `json:"strategy_id"`
	DedupeMD5  string `json:"dedupe_md5"`
}

func (rt *Router) checkAlert(c *gin.Context) {
	var f checkForm
	ginx.BindJSON(c, &f)

	if f.AlertId <= 0 || f.StrategyId <= 0 {
		renderError(c, http.StatusBadRequest, "alert_id and strategy_id are required")
		return
	}

	req := &models.CheckRequest{AlertId: f.AlertId, StrategyId: f.StrategyId, DedupeMD5: f.DedupeMD5}
	if err := rt.Checker.Request(c.Request.Context(), req, time.Now()); err != nil {
		logger.Warningf("alarm_router: strategy:%d alert:%d check request failed: %v", f.StrategyId, f.AlertId, err)
		renderError(c, http.StatusNotFound, err.Error())
		return
	}

	rt.Stats.Success("router_check")
	ginx.NewRender(c).Message(nil)
}

// renderError keeps the {"err": ...} body on non-200 codes, ginx renders those as plain text.
func renderError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"err": msg})
}
