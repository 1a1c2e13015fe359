package domain

import "time"

// Party is a weak reference to an external patient record.
type Party struct {
	ID   string
	Name string
}

// Procedure is an entry of a tenant's procedure catalog.
type Procedure struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Appointment is the minimal appointment shape needed to open a rescheduling
// flow.
type Appointment struct {
	ID        string
	PartyID   string
	StartTime time.Time
}
