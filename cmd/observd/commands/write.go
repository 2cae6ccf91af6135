package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"observd/internal/canonical"
	"observd/internal/envelope"
	"observd/internal/metrics"
	"observd/internal/session"
)

func writeCmd() *cobra.Command {
	var (
		output     string
		plainText  bool
		iterations uint64
	)

	cmd := &cobra.Command{
		Use:   "write <title>",
		Short: "Run an observed writing session, sealing epochs from stdin deltas",
		Long: `Reads one operation group per line from stdin and buffers it into the
current epoch. Each line is either a JSON object ({"ops":[...]}) or, with
--plain, a raw text fragment that becomes a single insert.

On EOF the session stops, the envelope is built and signed, and the
document is saved to the vault.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := args[0]

			computer, err := newComputer()
			if err != nil {
				return err
			}

			registry := metrics.NewRegistry()
			sess := session.New(session.Config{
				Computer:          computer,
				TargetSeconds:     cfg.Session.TargetSeconds,
				InitialIterations: orDefault(iterations, cfg.Session.InitialIterations),
				Logger:            logger.WithDocument(title),
				Metrics:           registry,
				OnStatus: func(st session.Status) {
					if st.State == session.StateSealed {
						fmt.Fprintf(os.Stderr, "\r%s\n", st)
					}
				},
			})
			defer sess.Close()

			if err := sess.Start(); err != nil {
				return err
			}

			var html strings.Builder
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				group, err := parseGroup(line, plainText)
				if err != nil {
					fmt.Fprintf(os.Stderr, "skipping malformed delta: %v\n", err)
					continue
				}
				if err := sess.RecordDelta(group); err != nil {
					return err
				}
				if plainText {
					html.WriteString(line)
					html.WriteString("\n")
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}

			// Wait for the buffer to drain into a final epoch before
			// stopping the loop.
			waitForDrain(sess)
			sess.Close()

			chain := sess.Chain()
			env, err := envelope.Build(title, envelope.Content{HTML: html.String()}, chain)
			if err != nil {
				return err
			}

			priv, err := loadSigningKey()
			if err != nil {
				return err
			}
			if err := envelope.Sign(env, priv); err != nil {
				return err
			}

			vault, err := openVault()
			if err != nil {
				return err
			}
			defer vault.Close()
			if err := vault.Save(env); err != nil {
				return err
			}

			fmt.Printf("Sealed %d epochs over %.1f seconds; document %q saved.\n",
				chain.Len()-1, chain.TotalDuration(), title)

			if output != "" {
				data, err := envelope.Serialize(env)
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, data, 0600); err != nil {
					return err
				}
				fmt.Printf("Envelope exported to %s\n", output)
			}

			logger.Debug("session metrics", "snapshot", registry.Snapshot())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "also export the signed envelope as JSON")
	cmd.Flags().BoolVar(&plainText, "plain", false, "treat stdin lines as raw text inserts")
	cmd.Flags().Uint64Var(&iterations, "iterations", 0, "initial VDF iterations (0 = calibrate)")
	return cmd
}

// parseGroup turns one stdin line into an operation group.
func parseGroup(line string, plain bool) (any, error) {
	if plain {
		return map[string]any{
			"ops": []any{map[string]any{"insert": line}},
		}, nil
	}
	v, err := canonical.ParseJSON([]byte(line))
	if err != nil {
		return nil, err
	}
	group, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("delta group must be a JSON object")
	}
	if _, ok := group["ops"]; !ok {
		return nil, fmt.Errorf("delta group missing ops")
	}
	return group, nil
}

// waitForDrain blocks until buffered deltas have been sealed, giving up
// after a few epoch lengths if the loop has stalled.
func waitForDrain(sess *session.Session) {
	deadline := time.Now().Add(time.Duration(3*cfg.Session.TargetSeconds)*time.Second + 30*time.Second)
	for sess.BufferedDeltas() > 0 && time.Now().Before(deadline) {
		sleepBriefly()
	}
}

func orDefault(v, fallback uint64) uint64 {
	if v != 0 {
		return v
	}
	return fallback
}
