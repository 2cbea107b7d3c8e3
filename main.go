package main

import "github.com/agentic-research/thoughtspace/cmd"

func main() {
	cmd.Execute()
}
