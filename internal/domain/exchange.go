// Package domain contains core domain types for the avatar link service.
package domain

import (
	"time"
)

// ExchangeStatus tracks whether an exchange has received its answer.
type ExchangeStatus string

const (
	// StatusWaiting marks a question that has no answer yet.
	StatusWaiting ExchangeStatus = "waiting_for_answer"
	// StatusCompleted marks a question whose answer was recorded.
	StatusCompleted ExchangeStatus = "completed"
)

// MissingAnswer replaces an absent answer when exchanges are listed.
const MissingAnswer = "No answer recorded"

// Exchange is one question/answer pair in the persisted log.
// The JSON shape is the stored format of exchange_<n> entries.
type Exchange struct {
	ID         int            `json:"id"`
	Question   string         `json:"question"`
	Answer     *string        `json:"answer"`
	CreatedAt  time.Time      `json:"timestamp"`
	AnsweredAt *time.Time     `json:"answerTimestamp,omitempty"`
	Status     ExchangeStatus `json:"status"`
}

// IsCompleted returns true if the answer has been recorded.
func (e *Exchange) IsCompleted() bool {
	return e.Status == StatusCompleted
}

// Complete records the answer and flips the status.
func (e *Exchange) Complete(answer string, at time.Time) {
	e.Answer = &answer
	e.AnsweredAt = &at
	e.Status = StatusCompleted
}
