// Package client is a Go client for the Bay HTTP API. Server-side error
// kinds survive the round trip, so bayerr predicates work on client errors.
package client
