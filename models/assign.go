package models

import (
	"github.com/ccfos/alarmflow/pkg/ctx"

	"github.com/pkg/errors"
)

// AssignRule attaches notification rules to matching events and may override the severity.
type AssignRule struct {
	Id            int64       `json:"id"`
	BkBizId       int64       `json:"bk_biz_id"`
	Priority      int         `json:"priority"`
	Conditions    []Condition `json:"conditions"`
	NotifyRuleIds []int64     `json:"notify_rule_ids"`
	Severity      int         `json:"severity"`
	IsEnabled     bool        `json:"is_enabled"`
	UpdateAt      int64       `json:"update_at"`
}

type AssignRuleRecord struct {
	Id            int64    `gorm:"primaryKey"`
	BkBizId       int64    `gorm:"column:bk_biz_id"`
	Priority      int      `gorm:"column:priority"`
	Conditions    string   `gorm:"column:conditions"`
	NotifyRuleIds IntArray `gorm:"column:notify_rule_ids;type:text"`
	Severity      int      `gorm:"column:severity"`
	IsEnabled     int      `gorm:"column:is_enabled"`
	UpdateAt      int64    `gorm:"column:update_at"`
}

func (AssignRuleRecord) TableName() string {
	return "alarm_assign_rule"
}

func (r *AssignRuleRecord) ToAssignRule() (*AssignRule, error) {
	rule := &AssignRule{
		Id:            r.Id,
		BkBizId:       r.BkBizId,
		Priority:      r.Priority,
		NotifyRuleIds: []int64(r.NotifyRuleIds),
		Severity:      r.Severity,
		IsEnabled:     r.IsEnabled == 1,
		UpdateAt:      r.UpdateAt,
	}
	if r.Conditions != "" {
		if err := json.Unmarshal([]byte(r.Conditions), &rule.Conditions); err != nil {
			return nil, errors.Wrapf(err, "assign rule(%d) conditions is invalid", r.Id)
		}
	}
	return rule, nil
}

func NewAssignRuleRecord(rule *AssignRule) (*AssignRuleRecord, error) {
	bs, err := json.Marshal(rule.Conditions)
	if err != nil {
		return nil, err
	}
	enabled := 0
	if rule.IsEnabled {
		enabled = 1
	}
	return &AssignRuleRecord{
		Id:            rule.Id,
		BkBizId:       rule.BkBizId,
		Priority:      rule.Priority,
		Conditions:    string(bs),
		NotifyRuleIds: IntArray(rule.NotifyRuleIds),
		Severity:      rule.Severity,
		IsEnabled:     enabled,
		UpdateAt:      rule.UpdateAt,
	}, nil
}

func AssignRuleStatistics(ctx *ctx.Context) (*Statistics, error) {
	return StatisticsGet[AssignRuleRecord](ctx, "is_enabled = ?", 1)
}

func AssignRuleGetsEnabled(ctx *ctx.Context) ([]*AssignRule, []error, error) {
	var records []*AssignRuleRecord
	if err := DB(ctx).Where("is_enabled = ?", 1).Order("priority desc, id").Find(&records).Error; err != nil {
		return nil, nil, err
	}

	var errs []error
	lst := make([]*AssignRule, 0, len(records))
	for _, r := range records {
		rule, err := r.ToAssignRule()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lst = append(lst, rule)
	}
	return lst, errs, nil
}
