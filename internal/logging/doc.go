// Package logging provides structured logging utilities for the auth service.
//
// Logging goes through the standard library's slog package. This package
// keeps attribute names consistent and makes sure credentials and PII never
// reach the log output verbatim.
//
// # Usage Patterns
//
// Create a logger with standard attributes:
//
//	logger := logging.WithOperation(slog.Default(), "auth.authenticate")
//	logger.Info("principal resolved",
//	    logging.Strategy("api_key"),
//	    logging.Tenant(tenantID))
//
// Sanitize sensitive data before logging:
//
//	logger.Warn("provisioning conflict",
//	    logging.UserHash(email),
//	    slog.String("token", logging.SanitizeToken(raw)))
//
// # Security Considerations
//
//   - User emails are hashed to prevent PII leakage while allowing correlation
//   - Tokens and API keys are never logged directly
package logging
