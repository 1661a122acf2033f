package common

import (
	"regexp"
	"strings"

	"github.com/ccfos/alarmflow/models"
)

// DimensionView is the multi-valued dimension map conditions are matched against.
type DimensionView map[string][]string

func (v DimensionView) Add(key string, values ...string) {
	for _, value := range values {
		if value == "" {
			continue
		}
		v[key] = append(v[key], value)
	}
}

func (v DimensionView) Set(key string, values ...string) {
	delete(v, key)
	v.Add(key, values...)
}

type Matcher interface {
	Match(view DimensionView) bool
}

// EqualCondition matches when any value of the key is among Values.
type EqualCondition struct {
	Key    string
	Values []string
}

func (c EqualCondition) Match(view DimensionView) bool {
	for _, have := range view[c.Key] {
		for _, want := range c.Values {
			if have == want {
				return true
			}
		}
	}
	return false
}

// FieldCondition is one (key, method, values) test.
type FieldCondition struct {
	Key     string
	Method  string
	Values  []string
	regexps []*regexp.Regexp
}

func NewFieldCondition(c models.Condition) *FieldCondition {
	fc := &FieldCondition{Key: c.Key, Method: strings.ToLower(c.Method), Values: c.Value}
	if fc.Method == "reg" || fc.Method == "nreg" {
		for _, v := range c.Value {
			if re, err := regexp.Compile(v); err == nil {
				fc.regexps = append(fc.regexps, re)
			}
		}
	}
	return fc
}

func (c *FieldCondition) anyValue(view DimensionView, fn func(have string) bool) bool {
	for _, have := range view[c.Key] {
		if fn(have) {
			return true
		}
	}
	return false
}

func (c *FieldCondition) Match(view DimensionView) bool {
	switch c.Method {
	case "eq", "":
		return EqualCondition{Key: c.Key, Values: c.Values}.Match(view)
	case "neq":
		return !EqualCondition{Key: c.Key, Values: c.Values}.Match(view)
	case "include":
		return c.anyValue(view, func(have string) bool {
			for _, want := range c.Values {
				if strings.Contains(have, want) {
					return true
				}
			}
			return false
		})
	case "exclude":
		return !c.anyValue(view, func(have string) bool {
			for _, want := range c.Values {
				if strings.Contains(have, want) {
					return true
				}
			}
			return false
		})
	case "reg":
		return c.anyValue(view, c.matchRegexp)
	case "nreg":
		return !c.anyValue(view, c.matchRegexp)
	}
	return false
}

func (c *FieldCondition) matchRegexp(have string) bool {
	for _, re := range c.regexps {
		if re.MatchString(have) {
			return true
		}
	}
	return false
}

type AndCondition []Matcher

func (a AndCondition) Match(view DimensionView) bool {
	for _, m := range a {
		if !m.Match(view) {
			return false
		}
	}
	return true
}

type OrCondition []AndCondition

func (o OrCondition) Match(view DimensionView) bool {
	for _, and := range o {
		if and.Match(view) {
			return true
		}
	}
	return false
}

// ParseConditions splits a connector list into an OR of AND groups, the first connector is ignored.
func ParseConditions(conds []models.Condition) OrCondition {
	var (
		or  OrCondition
		and AndCondition
	)
	for i, c := range conds {
		if i > 0 && strings.ToLower(c.Condition) == "or" {
			or = append(or, and)
			and = nil
		}
		and = append(and, NewFieldCondition(c))
	}
	if len(and) > 0 {
		or = append(or, and)
	}
	return or
}

// DimensionViewOf builds a view of a flat dimension map, tags. prefixed keys are also visible without the prefix.
func DimensionViewOf(dims map[string]string) DimensionView {
	view := make(DimensionView, len(dims))
	for k, v := range dims {
		view.Add(k, v)
		if strings.HasPrefix(k, "tags.") {
			view.Add(strings.TrimPrefix(k, "tags."), v)
		}
	}
	return view
}
