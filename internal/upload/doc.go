// Package upload sends SARIF reports to the GitHub code scanning API so that
// findings show up in the repository's security dashboard.
package upload
