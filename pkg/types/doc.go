// Package types defines the identifiers, descriptors, and callback
// signatures shared across Furrow packages, plus the sentinel errors
// every operation classifies its failures with.
package types
