package tart

import "regexp"

// Matches CSI sequences, OSC sequences terminated by BEL, keypad mode
// switches, and remaining two-byte escapes. Verbose tools (tart pull
// in particular) redraw progress bars with these.
var ansiEscapePattern = regexp.MustCompile("\x1b\\[[0-9;?]*[a-zA-Z]|\x1b\\][^\x07]*\x07|\x1b[=>]|\x1b[@-_][0-?]*[ -/]*[@-~]")

// stripANSI removes terminal control sequences from a line.
func stripANSI(text string) string {
	return ansiEscapePattern.ReplaceAllString(text, "")
}
