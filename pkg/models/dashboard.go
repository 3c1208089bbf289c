package models

import "time"

// Statistics summarizes jobs across the service.
type Statistics struct {
	TotalCount               int     `json:"total_count"`
	CompletedCount           int     `json:"completed_count"`
	ProcessingCount          int     `json:"processing_count"`
	FailedCount              int     `json:"failed_count"`
	SuccessRatePercent       float64 `json:"success_rate_percent"`
	AvgProcessingTimeSeconds float64 `json:"avg_processing_time_seconds"`
}

// DashboardAggregate is a non-authoritative summary, always rebuilt from a
// fresh fetch and never updated incrementally.
type DashboardAggregate struct {
	RecentJobs  []Job      `json:"recent_jobs"`
	Statistics  Statistics `json:"statistics"`
	RefreshedAt time.Time  `json:"refreshed_at"`
}
