// Command zafegardctl administers a Zafegard policy server.
//
// Lifecycle commands are signed with the admin's ed25519 seed, read from
// --key-file or ZAFEGARD_ADMIN_KEY (64 hex chars):
//
//	zafegardctl keygen
//	zafegardctl init G...
//	zafegardctl wallet add ed25519:<hex> --asset C... --interval 3600 --cap 5000000
//	zafegardctl wallet list --asset C...
//	zafegardctl evaluate --source C... --signer ed25519:<hex> --asset C... --to G... --amount 100
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/zafegard/zafegard/cmd/zafegardctl/cli"
	"github.com/zafegard/zafegard/internal/policy"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := cli.New().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		// Policy denials exit with their code so scripts can branch on them.
		if code := policy.CodeOf(err); code != 0 {
			os.Exit(int(code) + 10)
		}
		if errors.Is(err, cli.ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
