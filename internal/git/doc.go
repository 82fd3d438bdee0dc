// Package git prepares repository content for scanning.
//
// CreateArchive streams a gzip-compressed tar of a repository at a given
// ref, and Clone fetches the scanner's source so its service can be built.
package git
