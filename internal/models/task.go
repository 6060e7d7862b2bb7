package models

import "time"

type TaskStatus string

const (
	StatusQueued          TaskStatus = "queued"
	StatusProcessing      TaskStatus = "processing"
	StatusSent            TaskStatus = "sent"
	StatusFailed          TaskStatus = "failed"
	StatusFailedPermanent TaskStatus = "failed_permanent"
	StatusCancelled       TaskStatus = "cancelled"
	StatusPaused          TaskStatus = "paused"
)

// AllStatuses lists every task status in lifecycle order.
var AllStatuses = []TaskStatus{
	StatusQueued,
	StatusProcessing,
	StatusSent,
	StatusFailed,
	StatusFailedPermanent,
	StatusCancelled,
	StatusPaused,
}

func ParseTaskStatus(s string) (TaskStatus, bool) {
	st := TaskStatus(s)
	return st, st.Valid()
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSent, StatusFailed,
		StatusFailedPermanent, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusFailedPermanent, StatusCancelled:
		return true
	case StatusQueued, StatusProcessing, StatusFailed, StatusPaused:
		return false
	}
	return false
}

// CanTransition is the delivery task state machine.
//
//	queued     -> processing | paused | cancelled
//	processing -> sent | failed | failed_permanent | queued | paused | cancelled
//	failed     -> queued | failed_permanent
//	paused     -> queued | cancelled
//
// processing -> queued covers capacity releases and stuck-task recovery.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusPaused || to == StatusCancelled
	case StatusProcessing:
		switch to {
		case StatusSent, StatusFailed, StatusFailedPermanent,
			StatusQueued, StatusPaused, StatusCancelled:
			return true
		}
		return false
	case StatusFailed:
		return to == StatusQueued || to == StatusFailedPermanent
	case StatusPaused:
		return to == StatusQueued || to == StatusCancelled
	case StatusSent, StatusFailedPermanent, StatusCancelled:
		return false
	}
	return false
}

// SourcesFor returns every status that may move to target.
func SourcesFor(target TaskStatus) []TaskStatus {
	var from []TaskStatus
	for _, s := range AllStatuses {
		if CanTransition(s, target) {
			from = append(from, s)
		}
	}
	return from
}

type DeliveryTask struct {
	ID             string `json:"id"`
	CampaignID     int64  `json:"campaign_id"`
	DomainID       *int64 `json:"domain_id,omitempty"`
	SenderEmail    string `json:"sender_email,omitempty"`
	RecipientEmail string `json:"recipient_email"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`

	Status       TaskStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`

	// PinnedSender is true when the collaborator chose the sender at enqueue time.
	PinnedSender bool `json:"pinned_sender"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskUpdate is applied by a conditional status update. Nil fields keep their
// stored value; ClearClaim resets claimed_at.
type TaskUpdate struct {
	Status       TaskStatus
	RetryCount   *int
	ScheduledAt  *time.Time
	ClaimedAt    *time.Time
	ClearClaim   bool
	ProcessedAt  *time.Time
	ErrorMessage *string
	SenderEmail  *string
	At           time.Time
}

// Apply mutates t the way a store applies upd.
func (upd TaskUpdate) Apply(t *DeliveryTask) {
	t.Status = upd.Status
	if upd.RetryCount != nil {
		t.RetryCount = *upd.RetryCount
	}
	if upd.ScheduledAt != nil {
		t.ScheduledAt = *upd.ScheduledAt
	}
	if upd.ClearClaim {
		t.ClaimedAt = nil
	} else if upd.ClaimedAt != nil {
		at := *upd.ClaimedAt
		t.ClaimedAt = &at
	}
	if upd.ProcessedAt != nil {
		at := *upd.ProcessedAt
		t.ProcessedAt = &at
	}
	if upd.ErrorMessage != nil {
		t.ErrorMessage = *upd.ErrorMessage
	}
	if upd.SenderEmail != nil {
		t.SenderEmail = *upd.SenderEmail
	}
	t.UpdatedAt = upd.At
}

// DeliveryAttempt records one transport call for a task.
type DeliveryAttempt struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	CampaignID   int64      `json:"campaign_id"`
	SenderEmail  string     `json:"sender_email"`
	Outcome      TaskStatus `json:"outcome"` // sent, failed or failed_permanent
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// OutcomeCounts aggregates attempts for one sender over a window.
type OutcomeCounts struct {
	Sent            int `json:"sent"`
	Failed          int `json:"failed"`
	FailedPermanent int `json:"failed_permanent"`
}

func (c OutcomeCounts) Total() int { return c.Sent + c.Failed + c.FailedPermanent }

func (c OutcomeCounts) Failures() int { return c.Failed + c.FailedPermanent }
