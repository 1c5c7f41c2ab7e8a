package main

import "github.com/raydienull/subsystem-ice/internal/cli"

func main() {
	cli.Execute()
}
