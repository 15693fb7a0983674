// Package mqtt provides MQTT client functionality and data transfer objects.
package mqtt

import (
	"time"

	"github.com/trialvault/trialvault/internal/locking"
)

// LockEventDTO is the payload published for each committed lock transition.
//
// Field names are part of the MQTT contract consumed by downstream systems.
type LockEventDTO struct {
	Action    string   `json:"action"`    // "lock" or "unlock"
	Path      string   `json:"path"`      // root Subject of the transition
	Actor     string   `json:"actor"`     // principal recorded in the Lock Marker
	Forced    bool     `json:"forced"`    // soft objections were overridden
	Nodes     []string `json:"nodes"`     // every Subject and Form whose flags changed
	Halted    []string `json:"halted"`    // independently locked Subjects the cascade stopped at
	Timestamp string   `json:"timestamp"` // RFC3339, UTC
}

// NewLockEventDTO converts a lock event into its wire form.
func NewLockEventDTO(e *locking.Event) LockEventDTO {
	dto := LockEventDTO{
		Action:    string(e.Action),
		Path:      e.Path,
		Actor:     e.Actor,
		Forced:    e.Forced,
		Nodes:     e.Nodes,
		Halted:    e.Halted,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
	}
	if dto.Nodes == nil {
		dto.Nodes = []string{}
	}
	if dto.Halted == nil {
		dto.Halted = []string{}
	}
	return dto
}
