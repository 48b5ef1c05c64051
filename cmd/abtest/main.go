package main

import (
	"os"

	"github.com/pagecraft/abtest/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
