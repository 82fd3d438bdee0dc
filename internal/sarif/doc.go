// Package sarif decodes Static Analysis Results Interchange Format reports
// and decides whether a report should fail the build.
//
// Only the parts of the SARIF 2.1.0 schema that dhscan reads are modeled:
// runs, their tool driver, and each run's results with their locations.
package sarif
