package internal

import (
	"fmt"

	"github.com/google/uuid"
)

type Session struct {
	id uuid.UUID
}

// GenerateSession creates a new session with a random identifier.
// The session names the scanner container and the archived report.
func GenerateSession() Session {
	return Session{id: uuid.New()}
}

// String returns the string representation of the session, equivalent to calling ID().
func (s Session) String() string {
	return string(s.ID())
}

// ID returns the session identifier in the format "dhscan-<8 hex digits>".
// This is used as the Docker container name.
func (s Session) ID() SessionID {
	return SessionID(fmt.Sprintf("dhscan-%s", s.id.String()[:8]))
}

// ReportName returns the object name used when archiving the session's SARIF report.
func (s Session) ReportName() string {
	return fmt.Sprintf("%s/%s.sarif", s.id.String()[:8], s.id.String())
}
