package main

import (
	"bytes"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDecodeCommand(t *testing.T) {
	// the first block waits for the entry the second one inserts
	out, err := runCLI(t, "decode", "be82", "7e0001780179")
	if err != nil {
		t.Fatalf("decode failed: %v\n%s", err, out)
	}

	for _, want := range []string{
		"block 0: 2 bytes -> 76 bytes",
		"  :method: GET",
		"  x: y",
		"block 1: 6 bytes -> 34 bytes",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"invalid hex", []string{"decode", "zz"}, "block 0"},
		{"invalid index", []string{"decode", "80"}, "invalid index"},
		{"timeout", []string{"decode", "--timeout", "10ms", "be"}, "timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCLI(t, tt.args...)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(out+err.Error(), tt.want) {
				t.Errorf("Expected %q in output, got %q / %v", tt.want, out, err)
			}
		})
	}
}
