// Command observverify is a standalone tool for verifying observd
// document envelopes.
//
// It re-validates the epoch chain, every Wesolowski VDF proof, and the
// document signature without needing a vault, a key, or a running
// session, making it suitable for:
// - Offline verification
// - Third-party audits
// - Automated verification pipelines
//
// Usage:
//
//	observverify [flags] <document.json>
//
// Examples:
//
//	# Basic verification
//	observverify document.json
//
//	# JSON output for pipelines
//	observverify -format json document.json
//
//	# Forensic verification with authorship scoring
//	observverify -level forensic document.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"observd/internal/envelope"
	"observd/internal/verify"
)

// Version information (set at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	levelStr := flag.String("level", "standard", "verification level: quick, standard, forensic")
	formatStr := flag.String("format", "text", "output format: text, json")
	output := flag.String("output", "", "output file (default: stdout)")
	quiet := flag.Bool("quiet", false, "suppress progress output")
	allowUnsigned := flag.Bool("allow-unsigned", false, "accept envelopes that were never signed")
	workers := flag.Int("workers", 4, "parallel VDF verification workers")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "observverify - Verify observd document envelopes\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <document.json>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nVerification Levels:\n")
		fmt.Fprintf(os.Stderr, "  quick     - structure, linkage and hashes only\n")
		fmt.Fprintf(os.Stderr, "  standard  - full cryptographic verification (default)\n")
		fmt.Fprintf(os.Stderr, "  forensic  - standard plus authorship analysis\n")
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("observverify %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	level, err := verify.ParseLevel(*levelStr)
	if err != nil {
		fatal(err)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fatal(err)
	}
	env, err := envelope.Parse(data)
	if err != nil {
		fatal(err)
	}

	var onProgress func(int, string)
	if !*quiet && *formatStr == "text" {
		onProgress = func(percent int, message string) {
			fmt.Fprintf(os.Stderr, "\r[%3d%%] %-40s", percent, message)
		}
	}

	result := verify.Verify(env, verify.Options{
		Level:         level,
		Workers:       *workers,
		AllowUnsigned: *allowUnsigned,
		OnProgress:    onProgress,
	})
	if onProgress != nil {
		fmt.Fprintln(os.Stderr)
	}

	out := io.Writer(os.Stdout)
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fatal(err)
		}
		defer f.Close()
		out = f
	}

	switch *formatStr {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fatal(err)
		}
	default:
		writeText(out, env, result)
	}

	if !result.Valid {
		os.Exit(1)
	}
}

func writeText(out io.Writer, env *envelope.Envelope, result *verify.Result) {
	fmt.Fprintf(out, "Document: %s\n", env.Title)
	fmt.Fprintf(out, "Epochs:   %d verified of %d\n", result.VerifiedEpochs, result.TotalEpochs)
	fmt.Fprintf(out, "Signature: %s\n", signatureWord(result.SignatureValid))

	if result.Authorship != nil {
		fmt.Fprintf(out, "Authorship score: %.2f\n", result.Authorship.HumanScore)
		if reason, ok := result.Authorship.Details["anomalyReason"]; ok {
			fmt.Fprintf(out, "Anomaly: %v\n", reason)
		}
	}

	if result.Valid {
		fmt.Fprintln(out, "RESULT: PASSED")
		return
	}
	fmt.Fprintln(out, "RESULT: FAILED")
	for _, e := range result.Errors {
		fmt.Fprintf(out, "  - %s\n", e)
	}
}

func signatureWord(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid or missing"
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "observverify: %v\n", err)
	os.Exit(2)
}
