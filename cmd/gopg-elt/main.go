// Package main is the entry point for gopg-elt.
package main

import (
	"os"
)

func main() {
	os.Exit(exitCode(Execute()))
}

// exitCode maps the outcome of a command to the process exit status.
func exitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}
