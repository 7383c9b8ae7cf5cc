// Package cmd implements the command-line interface for opencrm-auth.
//
// This package provides the following commands:
//   - serve: Start the authenticated MCP endpoint and OAuth proxy
//   - keys create: Mint a tenant-scoped API key into the SQLite directory
//   - keys encryption-key: Generate a key for sealing upstream tokens at rest
//   - version: Display version information
package cmd
