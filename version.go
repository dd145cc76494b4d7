package main

import (
	"fmt"

	"github.com/cachedresource/cachedresource/internal/version"
)

// printVersion writes the build version and commit.
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
