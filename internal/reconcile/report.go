package reconcile

import "time"

type CollectionReport struct {
	CollectionID   string             `json:"collectionId"`
	CollectionName string             `json:"collectionName"`
	Mode           string             `json:"mode"`
	Pages          int                `json:"pages"`
	Changes        int                `json:"changes"`
	Actions        map[ActionKind]int `json:"actions"`
	ItemErrors     int                `json:"itemErrors"`
	// Held is set when item errors kept the cursor on the failing page.
	Held     bool          `json:"held"`
	Cursor   string        `json:"cursor,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type CycleReport struct {
	StartedAt   time.Time          `json:"startedAt"`
	FinishedAt  time.Time          `json:"finishedAt"`
	Collections []CollectionReport `json:"collections"`
	Error       string             `json:"error,omitempty"`
}

func (r CycleReport) ActionCount(kind ActionKind) int {
	total := 0
	for _, collection := range r.Collections {
		total += collection.Actions[kind]
	}
	return total
}

func (r CycleReport) TotalActions() int {
	total := 0
	for _, collection := range r.Collections {
		for _, count := range collection.Actions {
			total += count
		}
	}
	return total
}
