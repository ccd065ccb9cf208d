// Command tokensync signs in to an identity provider and keeps the cached
// credentials fresh for every process sharing its storage.
package main

import (
	"errors"
	"os"

	"github.com/giantswarm/tokensync"
)

// Exit codes.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1

	// ExitCodeAuthRequired means only an interactive login can continue.
	ExitCodeAuthRequired = 2

	// ExitCodeAuthFailed means the interactive flow itself failed.
	ExitCodeAuthFailed = 3
)

var version = "dev"

func main() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitCodeSuccess
	case tokensync.InteractionRequired(err):
		return ExitCodeAuthRequired
	case errors.Is(err, errLoginFailed):
		return ExitCodeAuthFailed
	default:
		return ExitCodeError
	}
}
