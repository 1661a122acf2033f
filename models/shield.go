package models

import (
	"fmt"
	"strings"

	"github.com/ccfos/alarmflow/pkg/ctx"

	"github.com/pkg/errors"
)

const (
	ShieldStatusActive  = 1
	ShieldStatusExpired = 2
)

const (
	ShieldCategoryScope     = "scope"
	ShieldCategoryStrategy  = "strategy"
	ShieldCategoryEvent     = "event"
	ShieldCategoryAlert     = "alert"
	ShieldCategoryDimension = "dimension"
)

const (
	ScopeTypeBiz          = "biz"
	ScopeTypeNode         = "node"
	ScopeTypeHost         = "host"
	ScopeTypeInstance     = "instance"
	ScopeTypeDynamicGroup = "dynamic_group"
)

const (
	CycleSingle  = "single"
	CycleDaily   = "daily"
	CycleWeekly  = "weekly"
	CycleMonthly = "monthly"
	CycleYearly  = "yearly"
)

// CycleConfig describes when inside [BeginTime, EndTime] a shield applies.
// BeginTime/EndTime here are "HH:MM:SS" clock times, empty means the whole day.
type CycleConfig struct {
	Type      string `json:"type"`
	BeginTime string `json:"begin_time"`
	EndTime   string `json:"end_time"`
	DayList   []int  `json:"day_list,omitempty"`
	WeekList  []int  `json:"week_list,omitempty"`
}

type NoticeConfig struct {
	NoticeTime     int      `json:"notice_time"`
	NoticeWay      []string `json:"notice_way"`
	NoticeReceiver []string `json:"notice_receiver"`
}

type Shield struct {
	Id                  int64                  `json:"id"`
	BkBizId             int64                  `json:"bk_biz_id"`
	Category            string                 `json:"category"`
	ScopeType           string                 `json:"scope_type"`
	DimensionConfig     map[string]interface{} `json:"dimension_config"`
	DimensionConditions []Condition            `json:"dimension_conditions,omitempty"`
	CycleConfig         CycleConfig            `json:"cycle_config"`
	NoticeConfig        *NoticeConfig          `json:"notice_config,omitempty"`
	BeginTime           int64                  `json:"begin_time"`
	EndTime             int64                  `json:"end_time"`
	Timezone            string                 `json:"timezone"`
	Status              int                    `json:"status"`
	Description         string                 `json:"description"`
	UpdateAt            int64                  `json:"update_at"`
}

// DimensionValues normalizes a dimension_config entry to a string list.
func (s *Shield) DimensionValues(key string) ([]string, bool) {
	raw, has := s.DimensionConfig[key]
	if !has {
		return nil, false
	}
	switch v := raw.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	case []string:
		return v, true
	case nil:
		return nil, true
	case float64:
		return []string{formatFloat(v)}, true
	default:
		return []string{fmt.Sprint(v)}, true
	}
}

func formatFloat(v float64) string {
	s := fmt.Sprintf("%f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

type ShieldRecord struct {
	Id                  int64  `gorm:"primaryKey"`
	BkBizId             int64  `gorm:"column:bk_biz_id"`
	Category            string `gorm:"column:category"`
	ScopeType           string `gorm:"column:scope_type"`
	DimensionConfig     string `gorm:"column:dimension_config"`
	DimensionConditions string `gorm:"column:dimension_conditions"`
	CycleConfig         string `gorm:"column:cycle_config"`
	NoticeConfig        string `gorm:"column:notice_config"`
	BeginTime           int64  `gorm:"column:begin_time"`
	EndTime             int64  `gorm:"column:end_time"`
	Timezone            string `gorm:"column:timezone"`
	Status              int    `gorm:"column:status"`
	Description         string `gorm:"column:description"`
	UpdateAt            int64  `gorm:"column:update_at"`
}

func (ShieldRecord) TableName() string {
	return "alarm_shield"
}

func (r *ShieldRecord) ToShield() (*Shield, error) {
	s := &Shield{
		Id:          r.Id,
		BkBizId:     r.BkBizId,
		Category:    r.Category,
		ScopeType:   r.ScopeType,
		BeginTime:   r.BeginTime,
		EndTime:     r.EndTime,
		Timezone:    r.Timezone,
		Status:      r.Status,
		Description: r.Description,
		UpdateAt:    r.UpdateAt,
	}
	if r.DimensionConfig != "" {
		if err := json.Unmarshal([]byte(r.DimensionConfig), &s.DimensionConfig); err != nil {
			return nil, errors.Wrapf(err, "shield(%d) dimension_config is invalid", r.Id)
		}
	}
	if r.DimensionConditions != "" {
		if err := json.Unmarshal([]byte(r.DimensionConditions), &s.DimensionConditions); err != nil {
			return nil, errors.Wrapf(err, "shield(%d) dimension_conditions is invalid", r.Id)
		}
	}
	if r.CycleConfig != "" {
		if err := json.Unmarshal([]byte(r.CycleConfig), &s.CycleConfig); err != nil {
			return nil, errors.Wrapf(err, "shield(%d) cycle_config is invalid", r.Id)
		}
	}
	if r.NoticeConfig != "" && r.NoticeConfig != "{}" {
		var nc NoticeConfig
		if err := json.Unmarshal([]byte(r.NoticeConfig), &nc); err != nil {
			return nil, errors.Wrapf(err, "shield(%d) notice_config is invalid", r.Id)
		}
		s.NoticeConfig = &nc
	}
	return s, nil
}

func NewShieldRecord(s *Shield) (*ShieldRecord, error) {
	r := &ShieldRecord{
		Id:          s.Id,
		BkBizId:     s.BkBizId,
		Category:    s.Category,
		ScopeType:   s.ScopeType,
		BeginTime:   s.BeginTime,
		EndTime:     s.EndTime,
		Timezone:    s.Timezone,
		Status:      s.Status,
		Description: s.Description,
		UpdateAt:    s.UpdateAt,
	}
	parts := []struct {
		dst *string
		src interface{}
	}{
		{&r.DimensionConfig, s.DimensionConfig},
		{&r.DimensionConditions, s.DimensionConditions},
		{&r.CycleConfig, s.CycleConfig},
	}
	for _, p := range parts {
		bs, err := json.Marshal(p.src)
		if err != nil {
			return nil, err
		}
		*p.dst = string(bs)
	}
	if s.NoticeConfig != nil {
		bs, err := json.Marshal(s.NoticeConfig)
		if err != nil {
			return nil, err
		}
		r.NoticeConfig = string(bs)
	}
	return r, nil
}

func ShieldStatistics(ctx *ctx.Context) (*Statistics, error) {
	return StatisticsGet[ShieldRecord](ctx, "status = ?", ShieldStatusActive)
}

func ShieldGetsActive(ctx *ctx.Context) ([]*Shield, []error, error) {
	var records []*ShieldRecord
	if err := DB(ctx).Where("status = ?", ShieldStatusActive).Find(&records).Error; err != nil {
		return nil, nil, err
	}

	var errs []error
	lst := make([]*Shield, 0, len(records))
	for _, r := range records {
		s, err := r.ToShield()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lst = append(lst, s)
	}
	return lst, errs, nil
}

// ShieldExpire marks active shields whose end_time passed as expired.
func ShieldExpire(ctx *ctx.Context, now int64) (int64, error) {
	ret := DB(ctx).Model(&ShieldRecord{}).
		Where("status = ? and end_time > 0 and end_time < ?", ShieldStatusActive, now).
		Updates(map[string]interface{}{"status": ShieldStatusExpired, "update_at": now})
	return ret.RowsAffected, ret.Error
}
