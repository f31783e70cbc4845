package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wmonorepo/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	res, err := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "wmonorepo:", err)
	}
	os.Exit(res.ExitCode)
}
