// Package main is the single-binary entrypoint for butlerctl/butlerd: one
// binary runs a butler daemon (serve) and administers its state, schedule,
// and modules from the shell.
package main

import "github.com/butlerfleet/butlers/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
