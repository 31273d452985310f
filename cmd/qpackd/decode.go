package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FumingPower3925/qpackd/pkg/qpack"
	"github.com/spf13/cobra"
)

// decode command flags
var (
	decodeTableCapacity uint32
	decodeTimeout       time.Duration
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>...",
	Short: "Decode hex-encoded header blocks",
	Long: `Decode each argument as a QPACK header block. All blocks share one
dynamic table and are submitted in order, so a later block may insert an
entry an earlier one is waiting for.`,
	Example: `  qpackd decode 82
  qpackd decode be 7e0001780179`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().Uint32Var(&decodeTableCapacity, "table-capacity", 4096, "Dynamic table capacity in bytes")
	decodeCmd.Flags().DurationVar(&decodeTimeout, "timeout", time.Second, "Bound on waiting for a dynamic entry")
}

// blockResult is the outcome of one block.
type blockResult struct {
	fields []qpack.HeaderField
	size   qpack.DecodedSize
	err    error
}

func runDecode(cmd *cobra.Command, args []string) error {
	blocks := make([][]byte, len(args))
	for i, arg := range args {
		b, err := hex.DecodeString(strings.ReplaceAll(arg, " ", ""))
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		blocks[i] = b
	}

	config := qpack.DefaultConfig()
	config.TableCapacity = decodeTableCapacity
	config.LookupTimeout = decodeTimeout

	out := cmd.OutOrStdout()
	decoder := qpack.NewDecoder(config, qpack.ConnectionCallbackFuncs{
		AckFunc: func(slot uint32) {
			fmt.Fprintf(out, "ack: slot %d deleted\n", slot)
		},
		ErrorFunc: func(err error) {
			fmt.Fprintf(out, "table error: %v\n", err)
		},
	})
	defer decoder.Close()

	var wg sync.WaitGroup
	results := make([]blockResult, len(blocks))
	for i, block := range blocks {
		r := &results[i]
		wg.Add(1)
		decoder.Decode(context.Background(), block, uint32(len(block)), qpack.StreamingCallbackFuncs{
			Header: func(hf qpack.HeaderField) {
				r.fields = append(r.fields, hf)
			},
			Complete: func(size qpack.DecodedSize) {
				r.size = size
				wg.Done()
			},
			Error: func(err error) {
				r.err = err
				wg.Done()
			},
		})
	}
	wg.Wait()

	failed := 0
	for i, r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(out, "block %d: error: %v\n", i, r.err)
			continue
		}
		fmt.Fprintf(out, "block %d: %d bytes -> %d bytes\n", i, r.size.Compressed, r.size.Uncompressed)
		for _, hf := range r.fields {
			if hf.Sensitive {
				fmt.Fprintf(out, "  %s: <sensitive>\n", hf.Name)
				continue
			}
			fmt.Fprintf(out, "  %s\n", hf)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d blocks failed", failed, len(results))
	}
	return nil
}
