package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintBanner(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		useColor  bool
		wantColor bool
	}{
		{"color", true, true},
		{"plain", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			printBanner(&buf, tt.useColor)
			output := buf.String()

			if got := strings.Contains(output, "\033["); got != tt.wantColor {
				t.Fatalf("ANSI escapes present = %v, want %v", got, tt.wantColor)
			}
			if tt.wantColor && !strings.HasSuffix(output, "\033[0m\n") {
				t.Fatal("expected every colored line to end with a reset")
			}
			if n := strings.Count(output, "\n"); n != 7 {
				t.Fatalf("expected 7 banner lines, got %d", n)
			}
			if !strings.Contains(output, `|___/`) {
				t.Fatalf("expected ASCII art in banner output:\n%s", output)
			}
		})
	}
}

func TestIsTTY_Pipe(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	printBanner(&buf, isTTY(^uintptr(0)))
	if strings.Contains(buf.String(), "\033[") {
		t.Fatal("an invalid descriptor must not be treated as a terminal")
	}
}
