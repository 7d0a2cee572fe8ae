// Package errclass categorizes failures into a small taxonomy and provides
// a retry executor with capped exponential backoff.
//
// It is the single place that turns internal errors into user-facing text.
// Handlers must never invent their own end-user copy.
package errclass
