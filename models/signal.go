package models

// Signal asks the action dispatcher to run the notification decision of an alert.
type Signal struct {
	Id          string `json:"id"`
	AlertId     int64  `json:"alert_id"`
	StrategyId  int64  `json:"strategy_id"`
	Signal      string `json:"signal"`
	OpType      string `json:"op_type"`
	Description string `json:"description"`
	Severity    int    `json:"severity"`
	Time        int64  `json:"time"`
}

// CheckRequest asks the manager to check one alert now.
type CheckRequest struct {
	AlertId    int64  `json:"alert_id"`
	StrategyId int64  `json:"strategy_id"`
	DedupeMD5  string `json:"dedupe_md5,omitempty"`
}
