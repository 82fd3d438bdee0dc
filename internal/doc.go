// Package internal contains shared types and utilities for dhscan.
//
// It provides configuration loading, session identity, cleanup orchestration,
// logging, and I/O abstractions used across the docker, git, scanner, and
// upload packages.
package internal
