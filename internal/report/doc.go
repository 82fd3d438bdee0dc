// Package report persists SARIF reports, either to the local filesystem or to an S3-compatible
// object store for archiving across runs.
package report
