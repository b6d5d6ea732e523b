// Package types defines the identity cards, wire messages and status rows
// shared by every BeeDrive package.
package types
