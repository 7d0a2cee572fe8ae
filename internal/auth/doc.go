// Package auth defines the pluggable authentication provider contract, the
// provider registry, and the password and OAuth provider implementations
// used to exchange credentials for Vega backend tokens.
package auth
