package commandqueue

import "time"

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	LaneID         string   `json:"lane_id" yaml:"lane_id"`
	Priority       Priority `json:"priority" yaml:"priority"`
	Pending        int      `json:"pending" yaml:"pending"`
	Active         int      `json:"active" yaml:"active"`
	MaxConcurrency int      `json:"max_concurrency" yaml:"max_concurrency"`
	MinConcurrency int      `json:"min_concurrency" yaml:"min_concurrency"`
	Dynamic        bool     `json:"dynamic,omitempty" yaml:"dynamic,omitempty"`
	Enqueued       uint64   `json:"enqueued" yaml:"enqueued"`
	Completed      uint64   `json:"completed" yaml:"completed"`
}

// Idle reports whether the lane has neither pending nor active work.
func (s LaneStats) Idle() bool {
	return s.Pending == 0 && s.Active == 0
}

// Saturated reports whether the lane is at its ceiling with work waiting.
func (s LaneStats) Saturated() bool {
	return s.Active >= s.MaxConcurrency && s.Pending > 0
}

// QueueStats aggregates all lanes. PerLane is in scheduling order.
type QueueStats struct {
	TotalPending int         `json:"total_pending" yaml:"total_pending"`
	TotalActive  int         `json:"total_active" yaml:"total_active"`
	PerLane      []LaneStats `json:"per_lane" yaml:"per_lane"`
	Scheduler    string      `json:"scheduler" yaml:"scheduler"`
	Timestamp    time.Time   `json:"timestamp" yaml:"timestamp"`
}

// Lane returns the stats for laneID.
func (s QueueStats) Lane(laneID string) (LaneStats, bool) {
	for _, ls := range s.PerLane {
		if ls.LaneID == laneID {
			return ls, true
		}
	}
	return LaneStats{}, false
}

// StatsSource is anything that can report lane statistics without mutating them.
type StatsSource interface {
	Stats() QueueStats
}

func aggregate(lanes []*Lane, state SchedulerState) QueueStats {
	stats := QueueStats{
		PerLane:   make([]LaneStats, 0, len(lanes)),
		Scheduler: state.String(),
		Timestamp: time.Now(),
	}
	for _, lane := range lanes {
		ls := lane.Stats()
		stats.TotalPending += ls.Pending
		stats.TotalActive += ls.Active
		stats.PerLane = append(stats.PerLane, ls)
	}
	return stats
}
