package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"reservation-ledger/internal/proof"
)

func main() {
	var (
		inPath   = flag.String("in", "", "CSV exported from event_log_proof_export_v")
		headHash = flag.String("head", "", "expected head hash hex")
	)
	flag.Parse()

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "missing -in")
		os.Exit(2)
	}
	if *headHash == "" {
		fmt.Fprintln(os.Stderr, "missing -head")
		os.Exit(2)
	}

	f, err := os.Open(*inPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(2)
	}
	defer f.Close()

	res, err := proof.Verify(f, *headHash)
	if err != nil {
		fmt.Fprintln(os.Stderr, "FAIL:", err)
		if errors.Is(err, proof.ErrMalformed) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	fmt.Printf("OK: chain verified (%d rows). head=%s\n", res.Rows, res.Head)
}
