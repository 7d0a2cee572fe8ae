// Package session owns the persisted auth token and is the single source of
// truth for "is the user logged in" across providers, with safe concurrent
// access and observable state changes.
package session
