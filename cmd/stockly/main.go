package main

import (
	"fmt"
	"os"

	"stockly/internal/cli"
	apperrors "stockly/internal/errors"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		// Systemic failures get their own code so schedulers can alert on them.
		if apperrors.IsSystemic(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
