// Package hostfuncs holds the host operation table: typed and raw handlers for
// one-shot and stream operations, middleware, and the demo operations bundle.
package hostfuncs
