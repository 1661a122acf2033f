package models

// Tables are the config tables read by the memsto caches.
func Tables() []interface{} {
	return []interface{}{&StrategyRecord{}, &ShieldRecord{}, &AssignRuleRecord{}}
}
