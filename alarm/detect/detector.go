package detect

import (
	"sort"
	"strings"

	"github.com/ccfos/alarmflow/models"

	"github.com/pkg/errors"
)

// Detector runs the algorithms of one strategy item.
type Detector struct {
	Strategy *models.Strategy
	Item     *models.Item

	levels     []int
	algorithms map[int][]Algorithm
	reducers   []Reducer
}

func NewDetector(strategy *models.Strategy, item *models.Item) (*Detector, error) {
	d := &Detector{
		Strategy:   strategy,
		Item:       item,
		algorithms: make(map[int][]Algorithm),
	}
	for _, cfg := range item.Algorithms {
		a, err := NewAlgorithm(cfg)
		if err != nil {
			return nil, errors.WithMessagef(err, "strategy(%d) item(%d)", strategy.Id, item.Id)
		}
		if _, ok := d.algorithms[a.Level()]; !ok {
			d.levels = append(d.levels, a.Level())
		}
		d.algorithms[a.Level()] = append(d.algorithms[a.Level()], a)
		if r, ok := a.(Reducer); ok {
			d.reducers = append(d.reducers, r)
		}
	}
	sort.Ints(d.levels)
	return d, nil
}

// Levels are the configured levels, most severe first.
func (d *Detector) Levels() []int {
	return d.levels
}

func (d *Detector) Algorithms(level int) []Algorithm {
	return d.algorithms[level]
}

func (d *Detector) HasAlgorithm(types ...string) bool {
	for _, lst := range d.algorithms {
		for _, a := range lst {
			for _, t := range types {
				if a.Type() == t {
					return true
				}
			}
		}
	}
	return false
}

func (d *Detector) Reduce(points []models.DataPoint) []models.DataPoint {
	for _, r := range d.reducers {
		points = r.Reduce(d.Item, points)
	}
	return points
}

type LevelResult struct {
	Level   int
	Hit     bool
	Message string
}

// Evaluate checks one point on every level, algorithms of a level are joined by the level's connector.
func (d *Detector) Evaluate(in *Input) []LevelResult {
	out := make([]LevelResult, 0, len(d.levels))
	for _, level := range d.levels {
		connector := "and"
		if dc := d.Strategy.DetectByLevel(level); dc != nil && dc.Connector != "" {
			connector = strings.ToLower(dc.Connector)
		}

		res := LevelResult{Level: level, Hit: connector == "and"}
		var msgs []string
		for _, a := range d.algorithms[level] {
			hit, msg := a.Check(in)
			if hit {
				msgs = append(msgs, msg)
			}
			if connector == "or" {
				res.Hit = res.Hit || hit
			} else {
				res.Hit = res.Hit && hit
			}
		}
		if res.Hit {
			res.Message = strings.Join(msgs, ", ")
		}
		out = append(out, res)
	}
	return out
}

// GroupSeries indexes points by dimensions md5.
func GroupSeries(points []models.DataPoint) map[string]Series {
	out := make(map[string]Series)
	for _, p := range points {
		md5 := p.DimensionsMD5()
		s, ok := out[md5]
		if !ok {
			s = make(Series)
			out[md5] = s
		}
		s[p.Timestamp] = p.Value
	}
	return out
}
