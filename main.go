package main

import "github.com/mihaisavezi/claude-relay/cmd"

func main() {
	cmd.Execute()
}
