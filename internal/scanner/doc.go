// Package scanner talks to the dhscanner HTTP service.
//
// The service accepts a gzip-compressed tar of the code to analyze as the
// body of a POST request and answers with a SARIF report.
package scanner
