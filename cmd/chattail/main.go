// Command chattail polls one or more stream chats directly and prints their events as
// JSON lines. It is a debugging companion of the chat-tender service and shares its
// poll client, filter expressions and envelope format.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRoot().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
