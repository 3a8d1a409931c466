package main

import (
	"fmt"
	"io"

	"golang.org/x/term"
)

// isTTY returns true if the given file descriptor is a terminal.
func isTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

// printBanner prints the gomssqlmcp ASCII art banner. When useColor is true,
// ANSI escape codes are used for a red/yellow gradient.
func printBanner(w io.Writer, useColor bool) {
	lines := []string{
		`                                                             `,
		`   __ _  ___  _ __ ___  ___ ___  __ _| |_ __ ___   ___ _ __  `,
		`  / _' |/ _ \| '_ ' _ \/ __/ __|/ _' | | '_ ' _ \ / __| '_ \ `,
		` | (_| | (_) | | | | | \__ \__ \ (_| | | | | | | | (__| |_) |`,
		`  \__, |\___/|_| |_| |_|___/___/\__, |_|_| |_| |_|\___| .__/ `,
		`  |___/                            |_|                |_|    `,
		`                                                             `,
	}

	if !useColor {
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
		return
	}

	colors := []string{
		"\033[1;31m", // bold red
		"\033[1;31m", // bold red
		"\033[1;91m", // bold bright red
		"\033[1;33m", // bold yellow
		"\033[1;93m", // bold bright yellow
		"\033[1;37m", // bold white
		"\033[0m",    // reset (blank line)
	}
	for i, line := range lines {
		fmt.Fprintf(w, "%s%s\033[0m\n", colors[i%len(colors)], line)
	}
}
