package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("application not found")

// Application is one tracked job application, usually seeded from an
// extraction result and edited by hand afterwards.
type Application struct {
	ID         string    `json:"id"`
	Company    string    `json:"company"`
	Position   string    `json:"position"`
	Location   string    `json:"location,omitempty"`
	Salary     string    `json:"salary,omitempty"`
	URL        string    `json:"url,omitempty"`
	Status     string    `json:"status"`
	Notes      string    `json:"notes,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Application statuses follow the usual pipeline; free-form values are
// accepted but the dashboard groups by these.
const (
	StatusSaved     = "saved"
	StatusApplied   = "applied"
	StatusInterview = "interview"
	StatusOffer     = "offer"
	StatusRejected  = "rejected"
)

// Store persists tracked applications.
type Store interface {
	Save(ctx context.Context, app Application) (Application, error)
	Get(ctx context.Context, id string) (Application, error)
	List(ctx context.Context, status string, limit int) ([]Application, error)
	Update(ctx context.Context, app Application) (Application, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
