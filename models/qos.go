package models

// CircuitBreakingRule blocks new alerts of matching strategies; an empty field matches anything.
type CircuitBreakingRule struct {
	StrategyIds      []int64  `json:"strategy_ids,omitempty"`
	BkBizIds         []int64  `json:"bk_biz_ids,omitempty"`
	DataSourceLabels []string `json:"data_source_labels,omitempty"`
	DataTypeLabels   []string `json:"data_type_labels,omitempty"`
}

func (r *CircuitBreakingRule) Match(strategyId, bkBizId int64, dataSourceLabel, dataTypeLabel string) bool {
	if len(r.StrategyIds) == 0 && len(r.BkBizIds) == 0 && len(r.DataSourceLabels) == 0 && len(r.DataTypeLabels) == 0 {
		return false
	}
	return matchInt64(r.StrategyIds, strategyId) &&
		matchInt64(r.BkBizIds, bkBizId) &&
		matchString(r.DataSourceLabels, dataSourceLabel) &&
		matchString(r.DataTypeLabels, dataTypeLabel)
}

func matchInt64(lst []int64, v int64) bool {
	if len(lst) == 0 {
		return true
	}
	for _, x := range lst {
		if x == v {
			return true
		}
	}
	return false
}

func matchString(lst []string, v string) bool {
	if len(lst) == 0 {
		return true
	}
	for _, x := range lst {
		if x == v {
			return true
		}
	}
	return false
}
