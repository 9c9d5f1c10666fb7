package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewSubscriptionID generates an event subscription ID
func NewSubscriptionID() string {
	return "sub_" + uuid.New().String()
}
