// Package main is the operator CLI of the progress engine.
//
//	enginectl migrate up|down|status
//	enginectl rebuild
//	enginectl verify
//	enginectl dispatch
//
// Every command reads the same environment as the server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const (
	exitSuccess = 0
	exitError   = 1
	// exitInconsistent is returned by verify when a chain is broken.
	exitInconsistent = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if isInconsistent(err) {
			os.Exit(exitInconsistent)
		}
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}
