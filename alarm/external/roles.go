package external

import (
	"context"
	"fmt"

	"github.com/ccfos/alarmflow/pkg/poster"
)

// Roles expands a business role (maintainers, operators...) to user names.
type Roles interface {
	BizRoleUsers(ctx context.Context, bkBizId int64, role string) ([]string, error)
}

type rolesClient struct {
	cfg APIConfig
}

func NewRoles(cfg APIConfig) Roles {
	return &rolesClient{cfg: cfg}
}

func (c *rolesClient) BizRoleUsers(_ context.Context, bkBizId int64, role string) ([]string, error) {
	return poster.GetByUrls[[]string](c.cfg.Addrs, fmt.Sprintf("/api/cmdb/biz_roles?bk_biz_id=%d&role=%s", bkBizId, role), c.cfg.auth(), c.cfg.timeout())
}
