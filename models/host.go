package models

import (
	"strconv"
)

type Host struct {
	BkHostId    int64        `json:"bk_host_id"`
	Ip          string       `json:"ip"`
	BkCloudId   int64        `json:"bk_cloud_id"`
	BkBizId     int64        `json:"bk_biz_id"`
	TopoLinks   [][]TopoNode `json:"topo_links"`
	TemplateIds []int64      `json:"template_ids,omitempty"`
}

type ServiceInstance struct {
	Id          int64        `json:"service_instance_id"`
	BkHostId    int64        `json:"bk_host_id"`
	BkBizId     int64        `json:"bk_biz_id"`
	TopoLinks   [][]TopoNode `json:"topo_links"`
	TemplateIds []int64      `json:"template_ids,omitempty"`
}

// TopoNodeSet flattens every topo link into "obj|inst" strings.
func TopoNodeSet(links [][]TopoNode) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, link := range links {
		for _, node := range link {
			s := node.String()
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// InstanceDimensions are the target axes identifying a host.
func (h *Host) InstanceDimensions(axes []string) map[string]string {
	dims := make(map[string]string, len(axes))
	for _, axis := range axes {
		switch axis {
		case "bk_target_ip":
			dims[axis] = h.Ip
		case "bk_target_cloud_id":
			dims[axis] = strconv.FormatInt(h.BkCloudId, 10)
		case "bk_host_id":
			dims[axis] = strconv.FormatInt(h.BkHostId, 10)
		}
	}
	return dims
}

func (s *ServiceInstance) InstanceDimensions(axes []string) map[string]string {
	dims := make(map[string]string, len(axes))
	for _, axis := range axes {
		if axis == "bk_target_service_instance_id" {
			dims[axis] = strconv.FormatInt(s.Id, 10)
		}
	}
	return dims
}
