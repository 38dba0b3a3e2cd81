package models

import "time"

// JobRecord is the persisted state of one delivery of a job.
type JobRecord struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt"`
	TextLen   int       `json:"text_len"`
	Segments  int       `json:"segments"`
	Clips     []string  `json:"clips"`
	Merged    *string   `json:"merged"`
	LastError string    `json:"last_error,omitempty"`
	PageID    string    `json:"page_id,omitempty"`
	ContentID string    `json:"content_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
