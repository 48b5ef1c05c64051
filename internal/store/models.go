package store

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

type Test struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Description    string             `json:"description,omitempty"`
	PageID         string             `json:"pageId"`
	Variants       []Variant          `json:"variants"`
	TrafficSplit   map[string]float64 `json:"trafficSplit"`
	Status         Status             `json:"status"`
	StartDate      *time.Time         `json:"startDate,omitempty"`
	EndDate        *time.Time         `json:"endDate,omitempty"`
	ConversionGoal string             `json:"conversionGoal,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Variant returns the variant with the given id.
func (t *Test) Variant(id string) (Variant, bool) {
	for _, v := range t.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Control returns the first variant flagged as control.
func (t *Test) Control() (Variant, bool) {
	for _, v := range t.Variants {
		if v.IsControl {
			return v, true
		}
	}
	return Variant{}, false
}

// Clone returns a deep copy so callers can't mutate stored state.
func (t *Test) Clone() *Test {
	c := *t
	c.Variants = make([]Variant, len(t.Variants))
	for i, v := range t.Variants {
		c.Variants[i] = v
		if v.Components != nil {
			c.Variants[i].Components = append(json.RawMessage(nil), v.Components...)
		}
	}
	c.TrafficSplit = make(map[string]float64, len(t.TrafficSplit))
	for k, v := range t.TrafficSplit {
		c.TrafficSplit[k] = v
	}
	if t.StartDate != nil {
		sd := *t.StartDate
		c.StartDate = &sd
	}
	if t.EndDate != nil {
		ed := *t.EndDate
		c.EndDate = &ed
	}
	return &c
}

type Variant struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Components        json.RawMessage `json:"components,omitempty"` // Owned by the page renderer
	TrafficPercentage float64         `json:"trafficPercentage"`
	IsControl         bool            `json:"isControl"`
}

type Assignment struct {
	TestID     string    `json:"testId"`
	SessionID  string    `json:"sessionId"`
	VariantID  string    `json:"variantId"`
	AssignedAt time.Time `json:"assignedAt"`
}

type VariantMetrics struct {
	TestID          string  `json:"testId"`
	VariantID       string  `json:"variantId"`
	Visitors        int64   `json:"visitors"`
	Conversions     int64   `json:"conversions"`
	ConversionValue float64 `json:"conversionValue"`
}

type Conversion struct {
	TestID    string
	SessionID string
	Value     *float64       // Optional, e.g. revenue
	Metadata  map[string]any // Stored as-is, never interpreted
}

// DailyBucket aggregates one variant's activity for one UTC day.
type DailyBucket struct {
	Day             string  `json:"day"` // YYYY-MM-DD
	VariantID       string  `json:"variantId"`
	Visitors        int64   `json:"visitors"`
	Conversions     int64   `json:"conversions"`
	ConversionValue float64 `json:"conversionValue"`
}

type ListOptions struct {
	IncludeArchived bool
	Status          Status // Optional filter
}

const dayLayout = "2006-01-02"

func dayOf(t time.Time) string {
	return t.UTC().Format(dayLayout)
}
