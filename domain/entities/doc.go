// Package entities defines the payload types shared by host and guest contexts.
// They are both domain values and JSON wire DTOs carried inside envelopes.
package entities
