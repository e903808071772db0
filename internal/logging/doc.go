// Package logging configures structured JSON logging for memoryd.
//
// Logs are written to a size-rotated file under the data directory and, by
// default, to stderr as well. When stderr is an interactive terminal the
// stderr copy switches to human-readable text output; files always get JSON.
package logging
