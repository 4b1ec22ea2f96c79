package main

import (
	"errors"
	"fmt"
	"os"

	"xenoscan/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		code := 1
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.Code
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(code)
	}
}
