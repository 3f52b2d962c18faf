// Package testutil provides shared test infrastructure for integration tests.
//
// The helpers are built only with the integration tag:
//
//	go test -tags integration ./...
package testutil
