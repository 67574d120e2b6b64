package main

import "github.com/deepnoodle-ai/forge/cmd/forge/cli"

func main() {
	cli.Execute()
}
