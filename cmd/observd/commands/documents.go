package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"observd/internal/analysis"
	"observd/internal/envelope"
	"observd/internal/verify"
)

func sleepBriefly() { time.Sleep(50 * time.Millisecond) }

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List documents in the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := openVault()
			if err != nil {
				return err
			}
			defer vault.Close()

			docs, err := vault.List()
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Println("Vault is empty.")
				return nil
			}
			for _, d := range docs {
				fmt.Printf("%-40s %s\n", d.Title, d.Timestamp)
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var (
		output    string
		encrypted bool
	)

	cmd := &cobra.Command{
		Use:   "export <title>",
		Short: "Export a vault document as portable JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := openVault()
			if err != nil {
				return err
			}
			defer vault.Close()

			env, err := vault.Load(args[0])
			if err != nil {
				return err
			}

			if output == "" {
				output = args[0] + ".json"
			}

			if encrypted {
				key, err := vaultKey()
				if err != nil {
					return err
				}
				return writeEncrypted(output, env, key)
			}

			data, err := envelope.Serialize(env)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0600); err != nil {
				return err
			}
			fmt.Printf("Exported %q to %s\n", args[0], output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: <title>.json)")
	cmd.Flags().BoolVar(&encrypted, "encrypted", false, "export in the encrypted at-rest format")
	return cmd
}

func verifyCmd() *cobra.Command {
	var (
		levelStr      string
		jsonOut       bool
		summary       bool
		allowUnsigned bool
	)

	cmd := &cobra.Command{
		Use:   "verify <file-or-title>",
		Short: "Verify a document envelope end to end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvelopeArg(args[0])
			if err != nil {
				return err
			}

			level, err := verify.ParseLevel(levelStr)
			if err != nil {
				return err
			}
			computer, err := newComputer()
			if err != nil {
				return err
			}

			result := verify.Verify(env, verify.Options{
				Computer:      computer,
				Level:         level,
				Workers:       4,
				AllowUnsigned: allowUnsigned,
				OnProgress: func(percent int, message string) {
					if !jsonOut {
						fmt.Fprintf(os.Stderr, "\r[%3d%%] %-40s", percent, message)
					}
				},
			})
			if !jsonOut {
				fmt.Fprintln(os.Stderr)
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				printResult(env, result, summary)
			}

			if !result.Valid {
				return fmt.Errorf("verification failed with %d error(s)", len(result.Errors))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&levelStr, "level", "standard", "verification level: quick, standard, forensic")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the result as JSON")
	cmd.Flags().BoolVar(&summary, "summary", false, "print a compact verification summary")
	cmd.Flags().BoolVar(&allowUnsigned, "allow-unsigned", false, "accept envelopes that were never signed")
	return cmd
}

func printResult(env *envelope.Envelope, result *verify.Result, summary bool) {
	if result.Valid {
		fmt.Printf("VERIFICATION PASSED: %d/%d epochs, signature %s\n",
			result.VerifiedEpochs, result.TotalEpochs, boolWord(result.SignatureValid))
	} else {
		fmt.Printf("VERIFICATION FAILED: %d/%d epochs verified\n",
			result.VerifiedEpochs, result.TotalEpochs)
		for _, e := range result.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}

	if result.Authorship != nil {
		fmt.Printf("Authorship score: %.2f\n", result.Authorship.HumanScore)
	}

	if summary {
		fmt.Println("--- summary ---")
		fmt.Printf("document hash: %s\n", env.Metadata.DocumentHash)
		fmt.Printf("genesis:       %s\n", env.Metadata.GenesisHash)
		fmt.Printf("latest:        %s\n", env.Metadata.LatestHash)
		fmt.Printf("epochs:        %d\n", env.Metadata.EpochCount)
		fmt.Printf("duration:      %.1fs\n", env.Metadata.TotalDuration)
		for _, e := range sampleEpochs(env) {
			fmt.Printf("  epoch %-4d %s\n", e.EpochNumber, e.Hash)
		}
	}
}

func analyzeCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "analyze <file-or-title>",
		Short: "Score a document's authoring history for human characteristics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvelopeArg(args[0])
			if err != nil {
				return err
			}

			report := analysis.Analyze(env.ProofChain)
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Printf("Human score: %.2f\n", report.HumanScore)
			if reason, ok := report.Details["anomalyReason"]; ok {
				fmt.Printf("Anomaly: %v\n", reason)
			}
			for name, score := range report.Details {
				if name == "anomalyReason" {
					continue
				}
				fmt.Printf("  %-24s %v\n", name, score)
			}
			for _, a := range report.Anomalies {
				fmt.Printf("  [%s] epoch %d: %s\n", a.Severity, a.EpochNumber, a.Description)
			}
			if report.HumanScore < cfg.Analysis.SuspicionThreshold {
				fmt.Println("VERDICT: suspicious authoring pattern")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the report as JSON")
	return cmd
}

func benchmarkCmd() *cobra.Command {
	var durationMs int

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Measure VDF squaring throughput on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			computer, err := newComputer()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ms") && cfg.VDF.BenchmarkMs > 0 {
				durationMs = cfg.VDF.BenchmarkMs
			}
			rate := computer.Benchmark(time.Duration(durationMs) * time.Millisecond)
			fmt.Printf("%.0f squarings/second\n", rate)
			fmt.Printf("~%d iterations for a %.0fs epoch\n",
				uint64(rate*cfg.Session.TargetSeconds), cfg.Session.TargetSeconds)
			return nil
		},
	}

	cmd.Flags().IntVar(&durationMs, "ms", 500, "benchmark duration in milliseconds")
	return cmd
}

// loadEnvelopeArg accepts either a JSON file path or a vault title.
func loadEnvelopeArg(arg string) (*envelope.Envelope, error) {
	if data, err := os.ReadFile(arg); err == nil {
		return envelope.Parse(data)
	}

	vault, err := openVault()
	if err != nil {
		return nil, err
	}
	defer vault.Close()
	return vault.Load(arg)
}

// sampleEpochs picks up to 5 evenly spaced epochs for the summary.
func sampleEpochs(env *envelope.Envelope) []*sampled {
	chain := env.ProofChain
	if len(chain) == 0 {
		return nil
	}
	step := (len(chain) + 4) / 5
	if step == 0 {
		step = 1
	}
	var out []*sampled
	for i := 0; i < len(chain); i += step {
		out = append(out, &sampled{EpochNumber: chain[i].EpochNumber, Hash: chain[i].Hash})
	}
	return out
}

type sampled struct {
	EpochNumber uint64
	Hash        string
}

func boolWord(b bool) string {
	if b {
		return "valid"
	}
	return "invalid"
}
