// Package pacerrors contains the errors emitted while discovering,
// fetching, and executing PAC scripts and while resolving proxies.
package pacerrors

import (
	"context"
	"errors"
	"fmt"
)

// ErrIOPending indicates that an operation did not complete synchronously
// and that its result will be delivered later through a callback.
var ErrIOPending = errors.New("io_pending")

// ErrMandatoryProxyConfigurationFailed indicates that we could not obtain a
// working PAC script and the configuration forbids falling back to direct.
var ErrMandatoryProxyConfigurationFailed = errors.New("mandatory_proxy_configuration_failed")

// ErrPACNotConfigured indicates that there is no PAC script configured
// for a given source (e.g., DHCP did not provide any WPAD option).
var ErrPACNotConfigured = errors.New("pac_not_configured")

// ErrPACScriptFailed indicates a runtime error in the PAC script.
var ErrPACScriptFailed = errors.New("pac_script_failed")

// ErrPACScriptTerminated indicates that the script execution context died
// and the resolver must be created again.
var ErrPACScriptTerminated = errors.New("pac_script_terminated")

// ErrPACScriptEmpty indicates that we fetched an empty PAC script.
var ErrPACScriptEmpty = errors.New("pac_script_empty")

// ErrTimedOut indicates that an operation timed out.
var ErrTimedOut = errors.New("timed_out")

// ErrNameNotResolved indicates that a DNS lookup failed.
var ErrNameNotResolved = errors.New("name_not_resolved")

// ErrContextShutDown indicates that a collaborator has been shut down.
var ErrContextShutDown = errors.New("context_shut_down")

// ErrHTTPResponseCodeFailure indicates that the server did not return 200.
var ErrHTTPResponseCodeFailure = errors.New("http_response_code_failure")

// ErrFileTooBig indicates that a PAC script exceeds the maximum size.
var ErrFileTooBig = errors.New("file_too_big")

// ErrInvalidURL indicates that we cannot parse or use an URL.
var ErrInvalidURL = errors.New("invalid_url")

// ErrAborted indicates that an operation was aborted.
var ErrAborted = errors.New("aborted")

// allErrors is the list of errors known by [Classify] in priority order.
var allErrors = []error{
	ErrIOPending,
	ErrMandatoryProxyConfigurationFailed,
	ErrPACNotConfigured,
	ErrPACScriptTerminated,
	ErrPACScriptFailed,
	ErrPACScriptEmpty,
	ErrTimedOut,
	ErrNameNotResolved,
	ErrContextShutDown,
	ErrHTTPResponseCodeFailure,
	ErrFileTooBig,
	ErrInvalidURL,
	ErrAborted,
}

// Classify maps an error to a canonical failure string. We use this
// function to decide whether two errors mean the same thing. A nil error
// maps to the empty string; errors we don't know about map to a string
// starting with "unknown_failure: ".
func Classify(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range allErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimedOut.Error()
	}
	if errors.Is(err, context.Canceled) {
		return ErrAborted.Error()
	}
	return fmt.Sprintf("unknown_failure: %s", err.Error())
}

// Same returns whether two errors have the same classification.
func Same(left, right error) bool {
	return Classify(left) == Classify(right)
}
