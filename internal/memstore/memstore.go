// Package memstore is a process-local implementation of the engine's storage
// contracts. It backs tests and STORE_BACKEND=memory development runs.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"MailRota/internal/models"
)

type Store struct {
	mu       sync.Mutex
	tasks    map[string]*models.DeliveryTask
	attempts []models.DeliveryAttempt
	senders  map[string]*models.SenderAccount
	counts   map[string]map[string]int // day -> email -> sent
}

func New() *Store {
	return &Store{
		tasks:   make(map[string]*models.DeliveryTask),
		senders: make(map[string]*models.SenderAccount),
		counts:  make(map[string]map[string]int),
	}
}

// ----------------------------
// Tasks
// ----------------------------

func (s *Store) InsertTask(_ context.Context, t *models.DeliveryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("memstore: task %s already exists", t.ID)
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (*models.DeliveryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListDueTasks(_ context.Context, now time.Time, limit int) ([]models.DeliveryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.DeliveryTask
	for _, t := range s.tasks {
		if t.Status == models.StatusQueued && !t.ScheduledAt.After(now) {
			due = append(due, *t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		if due[i].RetryCount != due[j].RetryCount {
			return due[i].RetryCount < due[j].RetryCount
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) UpdateTaskStatus(
	_ context.Context,
	id string,
	from []models.TaskStatus,
	upd models.TaskUpdate,
	attempt *models.DeliveryAttempt,
) (*models.DeliveryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	if !slices.Contains(from, t.Status) {
		return nil, fmt.Errorf("%w: task %s is %s", models.ErrStatusConflict, id, t.Status)
	}
	upd.Apply(t)
	if attempt != nil {
		s.attempts = append(s.attempts, *attempt)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListStuckTasks(_ context.Context, cutoff time.Time) ([]models.DeliveryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []models.DeliveryTask
	for _, t := range s.tasks {
		if isStuck(t, cutoff) {
			stuck = append(stuck, *t)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].ClaimedAt.Before(*stuck[j].ClaimedAt) })
	return stuck, nil
}

func (s *Store) ReleaseStuckTasks(_ context.Context, cutoff time.Time, upd models.TaskUpdate) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, t := range s.tasks {
		if isStuck(t, cutoff) {
			upd.Apply(t)
			ids = append(ids, t.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func isStuck(t *models.DeliveryTask, cutoff time.Time) bool {
	return t.Status == models.StatusProcessing && t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff)
}

func (s *Store) CountTasksByStatus(_ context.Context) (map[models.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.TaskStatus]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// Attempts returns a copy of every recorded delivery attempt.
func (s *Store) Attempts() []models.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.attempts)
}

func (s *Store) AttemptOutcomes(_ context.Context, email string, since time.Time) (models.OutcomeCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c models.OutcomeCounts
	for _, a := range s.attempts {
		if a.SenderEmail != email || a.CreatedAt.Before(since) {
			continue
		}
		switch a.Outcome {
		case models.StatusSent:
			c.Sent++
		case models.StatusFailed:
			c.Failed++
		case models.StatusFailedPermanent:
			c.FailedPermanent++
		}
	}
	return c, nil
}

// RecordAttempt appends a delivery attempt without touching any task.
func (s *Store) RecordAttempt(a models.DeliveryAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
}

func (s *Store) CampaignCounts(_ context.Context, campaignIDs ...int64) ([]models.CampaignCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byCampaign := make(map[int64]*models.CampaignCounts)
	for _, t := range s.tasks {
		if len(campaignIDs) > 0 && !slices.Contains(campaignIDs, t.CampaignID) {
			continue
		}
		cc, ok := byCampaign[t.CampaignID]
		if !ok {
			cc = &models.CampaignCounts{CampaignID: t.CampaignID, ByStatus: make(map[models.TaskStatus]int)}
			byCampaign[t.CampaignID] = cc
		}
		cc.ByStatus[t.Status]++
		cc.RetrySum += t.RetryCount
		if t.ProcessedAt != nil && (cc.LastProcessedAt == nil || t.ProcessedAt.After(*cc.LastProcessedAt)) {
			at := *t.ProcessedAt
			cc.LastProcessedAt = &at
		}
	}

	out := make([]models.CampaignCounts, 0, len(byCampaign))
	for _, cc := range byCampaign {
		out = append(out, *cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out, nil
}
