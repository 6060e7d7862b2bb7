package memstore

import (
	"context"
	"sort"
	"time"

	"MailRota/internal/models"
)

func (s *Store) UpsertSender(_ context.Context, acc *models.SenderAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.senders[acc.Email]; ok {
		cur.DisplayName = acc.DisplayName
		cur.Provider = acc.Provider
		cur.DailyLimit = acc.DailyLimit
		return nil
	}
	cp := *acc
	s.senders[acc.Email] = &cp
	return nil
}

func (s *Store) GetSender(_ context.Context, email string) (*models.SenderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.senders[email]
	if !ok {
		return nil, models.ErrSenderNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *Store) ListSenders(_ context.Context) ([]models.SenderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.SenderAccount, 0, len(s.senders))
	for _, acc := range s.senders {
		out = append(out, *acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *Store) SetSenderEnabled(_ context.Context, email string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.senders[email]
	if !ok {
		return models.ErrSenderNotFound
	}
	if !enabled && acc.IsEnabled {
		others := 0
		for _, o := range s.senders {
			if o.Email != email && o.IsEnabled {
				others++
			}
		}
		if others == 0 {
			return models.ErrLastEnabledSender
		}
	}
	acc.IsEnabled = enabled
	return nil
}

func (s *Store) SetPrimarySender(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.senders[email]; !ok {
		return models.ErrSenderNotFound
	}
	for _, acc := range s.senders {
		acc.IsPrimary = acc.Email == email
	}
	return nil
}

func (s *Store) TouchSender(_ context.Context, email string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.senders[email]
	if !ok {
		return models.ErrSenderNotFound
	}
	acc.LastActivity = &at
	acc.ConnectionStatus = models.ConnectionOK
	return nil
}

func (s *Store) SetConnectionStatus(_ context.Context, email, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.senders[email]
	if !ok {
		return models.ErrSenderNotFound
	}
	acc.ConnectionStatus = status
	return nil
}

func (s *Store) SetSuspension(_ context.Context, email string, suspended bool, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.senders[email]
	if !ok {
		return models.ErrSenderNotFound
	}
	acc.Suspended = suspended
	if suspended {
		acc.SuspensionReason = reason
		acc.SuspendedAt = &at
		acc.HealthStatus = models.HealthSuspended
		return nil
	}
	acc.SuspensionReason = ""
	acc.SuspendedAt = nil
	acc.CriticalStreak = 0
	return nil
}

func (s *Store) SaveHealth(_ context.Context, rec models.HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.senders[rec.SenderEmail]
	if !ok {
		return models.ErrSenderNotFound
	}
	acc.HealthStatus = rec.Status
	acc.FailureRate = rec.FailureRate
	acc.CriticalStreak = rec.CriticalStreak
	at := rec.LastCheckedAt
	acc.HealthCheckedAt = &at
	return nil
}

// ----------------------------
// Daily counters
// ----------------------------

func (s *Store) Counts(_ context.Context, day string, emails []string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(emails))
	for _, e := range emails {
		out[e] = s.counts[day][e]
	}
	return out, nil
}

func (s *Store) Increment(_ context.Context, day, email string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counts[day] == nil {
		s.counts[day] = make(map[string]int)
	}
	s.counts[day][email]++
	return s.counts[day][email], nil
}

func (s *Store) Reset(_ context.Context, day, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.counts[day], email)
	return nil
}
