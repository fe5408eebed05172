package main

import "github.com/blockberries/quorumberry/cmd/quorumberry/cmd"

func main() {
	cmd.Execute()
}
