package domain

import "time"

// Feedback is a free-text message a user sent to the operators.
type Feedback struct {
	ID        int64
	UserID    int64
	Message   string
	CreatedAt time.Time
}
