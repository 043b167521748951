// Package apiresponses provides the relay's JSON error envelope and the
// helpers handlers and middleware use to emit it.
package apiresponses
