// Command docsync runs the collaborative document sync gateway and offers
// offline inspection of its database.
//
// Usage:
//
//	docsync serve --config docsync.yaml      # run the gateway
//	docsync resolve team-notes --create      # name → canonical id
//	docsync snapshot show team-notes         # stored snapshot metadata
//	docsync snapshot list --limit 20
//	docsync maintenance on --message "back at 02:00"
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		cmd.PrintErrln("docsync:", err)
		stop()
		os.Exit(1)
	}
}
