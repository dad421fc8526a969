// Package errors provides examples of structured error handling in trawler.
package errors_test

import (
	"fmt"
	"io"

	"github.com/trawler-io/trawler/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypeConnection, "failed to reach assessment site")

	err = err.WithDetail("host", "gis.example.gov").
		WithDetail("entry_id", "1041")

	fmt.Println(err.Error())

	// Output:
	// connection: failed to reach assessment site
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	originalErr := io.ErrUnexpectedEOF

	err := errors.Wrap(originalErr, errors.ErrorTypeStorage, "failed to write partition").
		WithDetail("scope", "newmilfordct").
		WithDetail("table", "properties")

	if errors.IsType(err, errors.ErrorTypeStorage) {
		fmt.Println("This is a storage error")
	}

	// Output:
	// This is a storage error
}

// ExampleIsRetryable shows the retry-vs-skip decision the engine makes
// after every failed fetch.
func ExampleIsRetryable() {
	timeoutErr := errors.New(errors.ErrorTypeTimeout, "fetch exceeded deadline")
	missingErr := errors.New(errors.ErrorTypeNotFound, "no record for entry")

	if errors.IsRetryable(timeoutErr) {
		fmt.Println("Timeout is retried")
	}

	if !errors.IsRetryable(missingErr) {
		fmt.Println("Missing entry is skipped, never retried")
	}

	// Output:
	// Timeout is retried
	// Missing entry is skipped, never retried
}

// ExampleIsType demonstrates checking error kinds through wrapping.
func ExampleIsType() {
	fetchErr := errors.New(errors.ErrorTypeNotFound, "entry 9 absent")
	wrapped := errors.Wrap(fetchErr, errors.ErrorTypeData, "flatten failed")

	fmt.Printf("Direct not-found: %v\n", errors.IsType(fetchErr, errors.ErrorTypeNotFound))
	fmt.Printf("Wrapped reports outer kind: %v\n", errors.IsType(wrapped, errors.ErrorTypeData))

	// Output:
	// Direct not-found: true
	// Wrapped reports outer kind: true
}

// Example_errorChain shows how context accumulates as an error climbs out
// of a worker.
func Example_errorChain() {
	err := errors.New(errors.ErrorTypeConnection, "connection reset")
	err = errors.Wrap(err, errors.ErrorTypeData, "fetch entry 77 failed")

	fmt.Println("Full error chain:", err)

	// Output:
	// Full error chain: data: fetch entry 77 failed: connection: connection reset
}
