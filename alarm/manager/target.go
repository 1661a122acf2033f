package manager

import (
	"context"
	"strconv"
	"strings"

	"github.com/ccfos/alarmflow/models"

	"golang.org/x/exp/slices"
)

// instance is the CMDB view of an alert target.
type instance struct {
	hostId      int64
	ip          string
	cloudId     int64
	serviceId   int64
	topoLinks   [][]models.TopoNode
	templateIds []int64
}

// targetOutOfScope looks the alert target up in CMDB and matches it against the item's target selector.
func (s *Service) targetOutOfScope(ctx context.Context, a *models.Alert, item *models.Item) (string, error) {
	if s.cmdb == nil {
		return "", nil
	}
	inst, found, err := s.lookupTarget(ctx, a)
	if err != nil || inst == nil && !found {
		return "", err
	}
	if inst == nil {
		return descTargetMissing, nil
	}
	if item == nil || item.Target.IsEmpty() {
		return "", nil
	}
	matched, err := s.targetMatched(ctx, a.BkBizId, item.Target, inst)
	if err != nil || matched {
		return "", err
	}
	return descTargetLeft, nil
}

// lookupTarget returns found=false for alerts whose target is not a CMDB instance.
func (s *Service) lookupTarget(ctx context.Context, a *models.Alert) (*instance, bool, error) {
	switch a.TargetType {
	case models.TargetTypeHost:
		var (
			host *models.Host
			err  error
		)
		if ip, cloud, ok := strings.Cut(a.Target, "|"); ok {
			cloudId, _ := strconv.ParseInt(cloud, 10, 64)
			host, err = s.cmdb.HostByIp(ctx, ip, cloudId)
		} else {
			id, perr := strconv.ParseInt(a.Target, 10, 64)
			if perr != nil {
				return nil, false, nil
			}
			host, err = s.cmdb.HostById(ctx, id)
		}
		if err != nil || host == nil {
			return nil, true, err
		}
		return &instance{
			hostId:      host.BkHostId,
			ip:          host.Ip,
			cloudId:     host.BkCloudId,
			topoLinks:   host.TopoLinks,
			templateIds: host.TemplateIds,
		}, true, nil

	case models.TargetTypeService:
		id, err := strconv.ParseInt(a.Target, 10, 64)
		if err != nil {
			return nil, false, nil
		}
		svc, err := s.cmdb.ServiceInstanceById(ctx, id)
		if err != nil || svc == nil {
			return nil, true, err
		}
		return &instance{
			hostId:      svc.BkHostId,
			serviceId:   svc.Id,
			topoLinks:   svc.TopoLinks,
			templateIds: svc.TemplateIds,
		}, true, nil
	}
	return nil, false, nil
}

func (s *Service) targetMatched(ctx context.Context, bizId int64, target models.TargetSelector, inst *instance) (bool, error) {
	switch target.Field {
	case models.TargetFieldIp:
		for _, h := range target.Hosts {
			if h.BkHostId > 0 && h.BkHostId == inst.hostId {
				return true, nil
			}
			if h.Ip == inst.ip && h.BkCloudId == inst.cloudId {
				return true, nil
			}
		}
		return false, nil

	case models.TargetFieldHostId:
		for _, h := range target.Hosts {
			if h.BkHostId == inst.hostId {
				return true, nil
			}
		}
		return false, nil

	case models.TargetFieldServiceInstance:
		return slices.Contains(target.ServiceInstanceIds, inst.serviceId), nil

	case models.TargetFieldHostTopoNode, models.TargetFieldServiceTopoNode:
		for _, link := range inst.topoLinks {
			for _, node := range link {
				for _, want := range target.Nodes {
					if want.BkObjId == "biz" || want == node {
						return true, nil
					}
				}
			}
		}
		return false, nil

	case models.TargetFieldHostTemplateNode, models.TargetFieldServiceTemplateNode:
		for _, id := range inst.templateIds {
			if slices.Contains(target.TemplateIds, id) {
				return true, nil
			}
		}
		return false, nil

	case models.TargetFieldDynamicGroup:
		ids, err := s.cmdb.DynamicGroupHostIds(ctx, bizId, target.DynamicGroupIds)
		if err != nil {
			return true, err
		}
		return slices.Contains(ids, inst.hostId), nil
	}
	return true, nil
}
