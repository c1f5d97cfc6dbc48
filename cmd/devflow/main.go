package main

import (
	"fmt"
	"os"

	"github.com/hugo-lorenzo-mato/devflow/cmd/devflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
