package internal

// SessionID represents a unique identifier for a single scan run.
type SessionID string

// ImageName represents a Docker image name.
type ImageName string

// Environment represents environment variables to pass to the scanner container.
type Environment []string
