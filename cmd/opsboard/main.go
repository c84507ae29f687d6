// Package main is the single-binary entrypoint for opsboard.
package main

import "github.com/opsboard/opsboard/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
