package main

import "github.com/lumenlabs/streamwatch/internal/cli"

func main() {
	cli.Execute()
}
