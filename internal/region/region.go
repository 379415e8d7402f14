// Package region holds the descriptor the scheduler keys its registry on.
package region

import "time"

// BBox is the spatial extent of a region. The scheduler never interprets it.
type BBox struct {
	MinLng float64 `json:"min_lng" yaml:"min_lng"`
	MinLat float64 `json:"min_lat" yaml:"min_lat"`
	MaxLng float64 `json:"max_lng" yaml:"max_lng"`
	MaxLat float64 `json:"max_lat" yaml:"max_lat"`
}

// Region is one catalog row. Values are replaced wholesale on every catalog
// fetch; only ID is stable across versions.
type Region struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	BBox         BBox      `json:"bbox"`
	CronSchedule string    `json:"cron_schedule"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SameSchedule reports whether a and b would produce the same trigger.
// Any other difference is metadata.
func SameSchedule(a, b Region) bool {
	return a.CronSchedule == b.CronSchedule && a.Active == b.Active
}
