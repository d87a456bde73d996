// Package version holds the client version used in tracing headers.
package version

// Ingest is the version of this client package.
const Ingest = "1.0.0"
