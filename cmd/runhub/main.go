package main

import (
	"fmt"
	"os"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/app"
)

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
