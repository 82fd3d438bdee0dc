// Package docker runs the scanner service for dhscan.
//
// It builds the scanner image from its source checkout, starts the service
// container, reports an early exit of the service, and removes the container
// when the scan is done. The Client type is the main entry point for all
// Docker operations.
package docker
