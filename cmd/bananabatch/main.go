package main

import (
	"os"

	"bananabatch/cmd/bananabatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
