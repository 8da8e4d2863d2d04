package main

import (
	"context"
	"fmt"
	"os"

	"formulary/internal/cli"
)

func main() {
	if err := cli.NewRootCmd(nil).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "formulary:", err)
		os.Exit(1)
	}
}
