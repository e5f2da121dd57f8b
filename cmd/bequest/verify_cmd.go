package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/bequest-labs/bequest/pkg/evidence"
)

// runVerifyCmd checks an evidence pack file offline: content hash,
// seal signature, and the signed ledger checkpoint riding inside.
// No server or network access is needed.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		packPath   string
		jsonOutput bool
	)

	cmd.StringVar(&packPath, "pack", "", "Path to an evidence pack JSON file (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if packPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --pack is required")
		return 2
	}

	data, err := os.ReadFile(packPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read pack: %v\n", err)
		return 2
	}

	var p evidence.Pack
	if err := json.Unmarshal(data, &p); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: pack is not valid JSON: %v\n", err)
		return 2
	}

	ok, err := evidence.Verify(&p)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	sealed := p.Signature != ""
	checkpointed := p.Checkpoint != nil && p.Checkpoint.Signature != ""

	if jsonOutput {
		result := map[string]any{
			"pack":       packPath,
			"pack_id":    p.ID,
			"plan_id":    p.PlanID,
			"outcome":    p.Outcome,
			"valid":      ok,
			"sealed":     sealed,
			"checkpoint": checkpointed,
			"events":     len(p.Events),
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else if ok {
		_, _ = fmt.Fprintf(stdout, "✅ Evidence pack verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "Pack:    %s\n", p.ID)
		_, _ = fmt.Fprintf(stdout, "Plan:    %d\n", p.PlanID)
		_, _ = fmt.Fprintf(stdout, "Outcome: %s\n", p.Outcome)
		_, _ = fmt.Fprintf(stdout, "Events:  %d\n", len(p.Events))
		if sealed {
			_, _ = fmt.Fprintf(stdout, "Sealed:  yes (key %s)\n", p.PublicKey)
		} else {
			_, _ = fmt.Fprintf(stdout, "Sealed:  no (content hash only)\n")
		}
		if checkpointed {
			_, _ = fmt.Fprintf(stdout, "Ledger:  checkpoint at seq %d, head %s\n", p.Checkpoint.Sequence, p.Checkpoint.Head)
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ Evidence pack verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "Pack: %s\n", packPath)
		_, _ = fmt.Fprintf(stdout, "The content hash or seal does not match the pack body.\n")
	}

	if !ok {
		return 1
	}
	return 0
}
