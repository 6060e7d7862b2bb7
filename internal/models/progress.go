package models

import "time"

// CampaignCounts is the raw rollup of one campaign's tasks.
type CampaignCounts struct {
	CampaignID      int64
	ByStatus        map[TaskStatus]int
	RetrySum        int
	LastProcessedAt *time.Time
}
