package naming

import (
	"errors"
	"sync"

	"github.com/toolkits/pkg/consistent"
	"github.com/toolkits/pkg/logger"
)

const NodeReplicas = 500

// HashRing shards alerts between the manager instances.
type HashRing struct {
	sync.RWMutex
	ring *consistent.Consistent
}

func NewConsistentHashRing(replicas int32, nodes []string) *consistent.Consistent {
	ret := consistent.New()
	ret.NumberOfReplicas = int(replicas)
	for i := 0; i < len(nodes); i++ {
		ret.Add(nodes[i])
	}
	return ret
}

func NewHashRing() *HashRing {
	return &HashRing{ring: NewConsistentHashRing(NodeReplicas, nil)}
}

func (h *HashRing) Rebuild(nodes []string) {
	r := NewConsistentHashRing(NodeReplicas, nodes)
	h.Lock()
	h.ring = r
	h.Unlock()
	logger.Infof("manager hash ring rebuild %+v", r.Members())
}

func (h *HashRing) GetNode(pk string) (string, error) {
	h.RLock()
	defer h.RUnlock()
	return h.ring.Get(pk)
}

func (h *HashRing) IsHit(pk string, currentNode string) bool {
	node, err := h.GetNode(pk)
	if err != nil {
		if !errors.Is(err, consistent.ErrEmptyCircle) {
			logger.Errorf("alert:%s failed to get node from hashring:%v", pk, err)
		}
		return false
	}
	return node == currentNode
}
