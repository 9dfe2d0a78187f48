package main

import (
	"os"

	"github.com/dispatchd/dispatchd/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
