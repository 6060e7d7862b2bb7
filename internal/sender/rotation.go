package sender

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"MailRota/internal/models"
)

var (
	// ErrNoSenderAvailable means every account is exhausted, suspended,
	// disabled or excluded. It is backpressure, not a delivery failure.
	ErrNoSenderAvailable = errors.New("no sender account available")
	// ErrNoSendersConfigured means the registry is empty.
	ErrNoSendersConfigured = errors.New("no sender accounts configured")
	// ErrDailyLimitReached means a pinned account has used today's quota and
	// cannot send again before the counters roll over.
	ErrDailyLimitReached = fmt.Errorf("%w: daily limit reached", ErrNoSenderAvailable)
)

// Rotation picks the sender for the next send. Suspension, enabled state and
// counters are read from the store on every call.
type Rotation struct {
	reg *Registry

	mu       sync.Mutex
	inflight map[string]int
}

func NewRotation(reg *Registry) *Rotation {
	return &Rotation{reg: reg, inflight: make(map[string]int)}
}

type candidate struct {
	acc  models.SenderAccount
	sent int
}

// SelectSender returns the best eligible account, skipping excluded ones.
// It has no side effects.
func (r *Rotation) SelectSender(ctx context.Context, excluded map[string]struct{}) (*models.SenderAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.pick(ctx, "", excluded)
	if err != nil {
		return nil, err
	}
	return &c.acc, nil
}

// SelectPinned checks that a pinned account may send now.
func (r *Rotation) SelectPinned(ctx context.Context, email string, excluded map[string]struct{}) (*models.SenderAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.pick(ctx, email, excluded)
	if err != nil {
		return nil, err
	}
	return &c.acc, nil
}

// Lease holds one unit of an account's daily quota while a send is in
// flight, so concurrent workers in this process cannot oversubscribe it.
type Lease struct {
	Sender models.SenderAccount

	r    *Rotation
	once sync.Once
}

// Acquire selects a sender like SelectSender and reserves one send on it.
// pinned restricts the choice to that account when non-empty.
func (r *Rotation) Acquire(ctx context.Context, pinned string, excluded map[string]struct{}) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.pick(ctx, pinned, excluded)
	if err != nil {
		return nil, err
	}
	r.inflight[c.acc.Email]++
	return &Lease{Sender: c.acc, r: r}, nil
}

// Commit records the delivered send and returns the reservation.
func (l *Lease) Commit(ctx context.Context) (int, error) {
	n, err := l.r.reg.RecordSend(ctx, l.Sender.Email)
	l.Release()
	return n, err
}

// Release returns the reservation without counting a send. Safe to call
// more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.r.mu.Lock()
		defer l.r.mu.Unlock()
		if l.r.inflight[l.Sender.Email] <= 1 {
			delete(l.r.inflight, l.Sender.Email)
			return
		}
		l.r.inflight[l.Sender.Email]--
	})
}

func (r *Rotation) pick(ctx context.Context, pinned string, excluded map[string]struct{}) (*candidate, error) {
	accounts, err := r.reg.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoSendersConfigured
	}

	if pinned != "" {
		found := false
		for _, acc := range accounts {
			if acc.Email == pinned {
				accounts = []models.SenderAccount{acc}
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", models.ErrSenderNotFound, pinned)
		}
	}

	emails := make([]string, len(accounts))
	for i, acc := range accounts {
		emails[i] = acc.Email
	}
	counts, err := r.reg.SentToday(ctx, emails)
	if err != nil {
		return nil, fmt.Errorf("read daily counters: %w", err)
	}

	var eligible []candidate
	for _, acc := range accounts {
		sent := counts[acc.Email] + r.inflight[acc.Email]
		if _, skip := excluded[acc.Email]; skip {
			continue
		}
		if !acc.IsEnabled || acc.Suspended || sent >= acc.DailyLimit {
			continue
		}
		eligible = append(eligible, candidate{acc: acc, sent: sent})
	}
	if len(eligible) == 0 {
		if pinned != "" && exhausted(accounts[0], counts[pinned], excluded) {
			return nil, ErrDailyLimitReached
		}
		return nil, ErrNoSenderAvailable
	}

	sort.Slice(eligible, func(i, j int) bool { return less(eligible[i], eligible[j]) })
	return &eligible[0], nil
}

// exhausted reports whether acc is blocked by committed sends alone. In-flight
// reservations may still be released, so they do not count.
func exhausted(acc models.SenderAccount, sent int, excluded map[string]struct{}) bool {
	if _, skip := excluded[acc.Email]; skip {
		return false
	}
	return acc.IsEnabled && !acc.Suspended && sent >= acc.DailyLimit
}

// less orders candidates: primary first, then fewest sends today, then least
// recently used (never used first), then email.
func less(a, b candidate) bool {
	if a.acc.IsPrimary != b.acc.IsPrimary {
		return a.acc.IsPrimary
	}
	if a.sent != b.sent {
		return a.sent < b.sent
	}
	la, lb := a.acc.LastActivity, b.acc.LastActivity
	switch {
	case la == nil && lb != nil:
		return true
	case la != nil && lb == nil:
		return false
	case la != nil && lb != nil && !la.Equal(*lb):
		return la.Before(*lb)
	}
	return a.acc.Email < b.acc.Email
}
