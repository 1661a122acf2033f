package external

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/poster"
)

// CMDB answers host and service-instance lookups; a nil result means not found.
type CMDB interface {
	HostByIp(ctx context.Context, ip string, cloudId int64) (*models.Host, error)
	HostById(ctx context.Context, id int64) (*models.Host, error)
	ServiceInstanceById(ctx context.Context, id int64) (*models.ServiceInstance, error)
	// TargetInstances expands a target selector to its hosts and service instances
	TargetInstances(ctx context.Context, bkBizId int64, target models.TargetSelector) ([]*models.Host, []*models.ServiceInstance, error)
	DynamicGroupHostIds(ctx context.Context, bkBizId int64, groupIds []string) ([]int64, error)
}

type cmdbClient struct {
	cfg APIConfig
}

func NewCMDB(cfg APIConfig) CMDB {
	return &cmdbClient{cfg: cfg}
}

func (c *cmdbClient) HostByIp(_ context.Context, ip string, cloudId int64) (*models.Host, error) {
	return poster.GetByUrls[*models.Host](c.cfg.Addrs, fmt.Sprintf("/api/cmdb/host?ip=%s&bk_cloud_id=%d", ip, cloudId), c.cfg.auth(), c.cfg.timeout())
}

func (c *cmdbClient) HostById(_ context.Context, id int64) (*models.Host, error) {
	return poster.GetByUrls[*models.Host](c.cfg.Addrs, fmt.Sprintf("/api/cmdb/host?bk_host_id=%d", id), c.cfg.auth(), c.cfg.timeout())
}

func (c *cmdbClient) ServiceInstanceById(_ context.Context, id int64) (*models.ServiceInstance, error) {
	return poster.GetByUrls[*models.ServiceInstance](c.cfg.Addrs, fmt.Sprintf("/api/cmdb/service_instance?id=%d", id), c.cfg.auth(), c.cfg.timeout())
}

type targetInstancesResp struct {
	Hosts            []*models.Host            `json:"hosts"`
	ServiceInstances []*models.ServiceInstance `json:"service_instances"`
}

func (c *cmdbClient) TargetInstances(_ context.Context, bkBizId int64, target models.TargetSelector) ([]*models.Host, []*models.ServiceInstance, error) {
	body := map[string]interface{}{"bk_biz_id": bkBizId, "target": target}
	var lastErr error
	for _, addr := range c.cfg.Addrs {
		resp, err := poster.PostData[targetInstancesResp](addr+"/api/cmdb/target_instances", c.cfg.auth(), c.cfg.timeout(), body)
		if err != nil {
			lastErr = err
			continue
		}
		return resp.Hosts, resp.ServiceInstances, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no cmdb address")
	}
	return nil, nil, lastErr
}

func (c *cmdbClient) DynamicGroupHostIds(_ context.Context, bkBizId int64, groupIds []string) ([]int64, error) {
	path := fmt.Sprintf("/api/cmdb/dynamic_group/hosts?bk_biz_id=%d&ids=%s", bkBizId, strings.Join(groupIds, ","))
	return poster.GetByUrls[[]int64](c.cfg.Addrs, path, c.cfg.auth(), c.cfg.timeout())
}

// HostOfDimensions resolves the host a dimension set points at, ok is false when it has no host axis.
func HostOfDimensions(ctx context.Context, cmdb CMDB, dims map[string]string) (*models.Host, bool, error) {
	if ip := dims["bk_target_ip"]; ip != "" {
		cloudId, _ := strconv.ParseInt(dims["bk_target_cloud_id"], 10, 64)
		h, err := cmdb.HostByIp(ctx, ip, cloudId)
		return h, true, err
	}
	if ip := dims["ip"]; ip != "" {
		cloudId, _ := strconv.ParseInt(dims["bk_cloud_id"], 10, 64)
		h, err := cmdb.HostByIp(ctx, ip, cloudId)
		return h, true, err
	}
	if raw := dims["bk_host_id"]; raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, false, nil
		}
		h, err := cmdb.HostById(ctx, id)
		return h, true, err
	}
	return nil, false, nil
}
