// Package auth implements the credential verification pipeline.
//
// A Manager holds a set of Strategy values and tries them in ascending
// priority order for every protected request. Each strategy reports one of
// three outcomes:
//
//   - (nil, nil): the request does not carry this kind of credential, the
//     next strategy is tried
//   - (*AuthContext, nil): the credential was verified end to end
//   - a non-nil error: an *AuthError is authoritative and stops the
//     pipeline, a *ConnectivityError means the verification backend is
//     unreachable and the next strategy is tried
//
// Two strategy families are provided. APIKeyStrategy verifies opaque keys
// against the identity directory. JWTStrategy verifies bearer tokens issued
// by one configured upstream identity provider, either against the
// provider's JWKS or, for Google, with the idtoken validator.
package auth
