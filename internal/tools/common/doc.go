// Package common provides the pieces shared by every MCP tool package: the
// scope-gating and instrumentation middleware and principal lookup.
package common
