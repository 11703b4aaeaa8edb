// Dennis - a terminal chat client and line-relay server with an AI responder.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dennis/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dennis: %v\n", err)
		os.Exit(1)
	}
}
