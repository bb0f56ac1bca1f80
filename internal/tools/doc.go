// Package tools provides reusable runtime helpers shared by agent modules.
//
// Ownership boundary:
// - command execution helpers (lightning-cli, bitcoin-cli)
package tools
