//go:build linux

package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestSyscallsCommandListsTable(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"syscalls", "--io"})

	if err := root.Execute(); err != nil {
		t.Fatalf("syscalls: %v", err)
	}

	text := out.String()
	for _, want := range []string{"NAME", "read", "write", "pwritev"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output:\n%s", want, text)
		}
	}
	if strings.Contains(text, "fsync") {
		t.Errorf("--io should hide fsync:\n%s", text)
	}
}
