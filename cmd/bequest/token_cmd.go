package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bequest-labs/bequest/pkg/identity"
	"github.com/bequest-labs/bequest/pkg/plan"
)

// runTokenCmd mints a signed bearer token for API access. The signing
// key derives from the master secret, so a token minted here validates
// against any server booted with the same MASTER_SECRET.
//
// Exit codes:
//
//	0 = token minted
//	2 = bad flags or signing failure
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject string
		roles   string
		ttl     time.Duration
		master  string
	)

	cmd.StringVar(&subject, "subject", "", "Principal identity the token asserts (REQUIRED)")
	cmd.StringVar(&roles, "roles", "", "Comma-separated roles (e.g. admin)")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.StringVar(&master, "master", os.Getenv("MASTER_SECRET"), "Master secret, hex (defaults to MASTER_SECRET)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		return 2
	}
	if master == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --master or MASTER_SECRET is required; a server on ephemeral keys cannot validate offline-minted tokens")
		return 2
	}

	secret, err := hex.DecodeString(master)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: master secret is not valid hex: %v\n", err)
		return 2
	}

	keySet, err := identity.NewKeySetFromMaster(secret)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: deriving signing key: %v\n", err)
		return 2
	}

	var roleList []string
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	token, err := identity.NewTokenManager(keySet).Issue(context.Background(), plan.Identity(subject), roleList, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: minting token: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
