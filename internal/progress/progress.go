// Package progress rolls delivery tasks up into per-campaign progress.
package progress

import (
	"context"
	"fmt"
	"sort"
	"time"

	"MailRota/internal/models"
)

type Store interface {
	CampaignCounts(ctx context.Context, campaignIDs ...int64) ([]models.CampaignCounts, error)
}

type CampaignProgress struct {
	CampaignID      int64                     `json:"campaign_id"`
	Total           int                       `json:"total"`
	ByStatus        map[models.TaskStatus]int `json:"by_status"`
	Sent            int                       `json:"sent"`
	Pending         int                       `json:"pending"`
	FailedPermanent int                       `json:"failed_permanent"`
	Cancelled       int                       `json:"cancelled"`
	// CompletionRate is the share of tasks that reached a terminal status.
	CompletionRate float64 `json:"completion_rate"`
	// FailureRate is failed_permanent over tasks that finished sending or failing.
	FailureRate     float64    `json:"failure_rate"`
	AverageRetries  float64    `json:"average_retries"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

type Aggregator struct {
	store Store
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// Campaign returns progress for one campaign. A campaign with no tasks
// reports zero totals.
func (a *Aggregator) Campaign(ctx context.Context, campaignID int64) (*CampaignProgress, error) {
	rows, err := a.store.CampaignCounts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign %d counts: %w", campaignID, err)
	}
	for _, row := range rows {
		if row.CampaignID == campaignID {
			p := summarize(row)
			return &p, nil
		}
	}
	p := summarize(models.CampaignCounts{CampaignID: campaignID})
	return &p, nil
}

// All returns progress for every campaign that has tasks, by campaign id.
func (a *Aggregator) All(ctx context.Context) ([]CampaignProgress, error) {
	rows, err := a.store.CampaignCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("campaign counts: %w", err)
	}
	out := make([]CampaignProgress, 0, len(rows))
	for _, row := range rows {
		out = append(out, summarize(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out, nil
}

func summarize(c models.CampaignCounts) CampaignProgress {
	p := CampaignProgress{
		CampaignID:      c.CampaignID,
		ByStatus:        make(map[models.TaskStatus]int, len(models.AllStatuses)),
		LastProcessedAt: c.LastProcessedAt,
	}
	terminal := 0
	for _, s := range models.AllStatuses {
		n := c.ByStatus[s]
		p.ByStatus[s] = n
		p.Total += n
		if s.Terminal() {
			terminal += n
		}
	}

	p.Sent = p.ByStatus[models.StatusSent]
	p.FailedPermanent = p.ByStatus[models.StatusFailedPermanent]
	p.Cancelled = p.ByStatus[models.StatusCancelled]
	p.Pending = p.ByStatus[models.StatusQueued] + p.ByStatus[models.StatusProcessing] +
		p.ByStatus[models.StatusFailed] + p.ByStatus[models.StatusPaused]

	if p.Total > 0 {
		p.CompletionRate = float64(terminal) / float64(p.Total)
		p.AverageRetries = float64(c.RetrySum) / float64(p.Total)
	}
	if done := p.Sent + p.FailedPermanent; done > 0 {
		p.FailureRate = float64(p.FailedPermanent) / float64(done)
	}
	return p
}
