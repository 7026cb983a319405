package session

import "strings"

const (
	keyBackspace = 0x08
	keyDelete    = 0x7f
	keyEscape    = 0x1b
)

type escState int

const (
	escNone escState = iota
	escStart
	escCSI
	escSS3
)

// CommandCapture rebuilds the command lines a user types from raw terminal
// input. It is a line editor that only understands appending and deleting
// the last character; cursor movement is not tracked, so edits made with the
// arrow keys are not reflected in the captured text.
//
// CommandCapture is not safe for concurrent use.
type CommandCapture struct {
	buf []byte
	esc escState
}

// Feed consumes input and returns the commands completed by it. Escape
// sequences (CSI, SS3 and two-byte ESC x) are skipped whole. A control byte
// inside a sequence aborts it.
func (c *CommandCapture) Feed(data []byte) []string {
	var out []string
	for _, b := range data {
		// Control bytes end any escape sequence and keep their own meaning,
		// so Enter after a lone ESC still completes the line.
		if c.esc != escNone && (b < 0x20 || b == keyDelete) {
			c.esc = escNone
		}

		switch c.esc {
		case escStart:
			switch b {
			case '[':
				c.esc = escCSI
			case 'O':
				c.esc = escSS3
			default:
				c.esc = escNone
			}
			continue
		case escCSI:
			if b >= 0x40 && b <= 0x7e {
				c.esc = escNone
			}
			continue
		case escSS3:
			c.esc = escNone
			continue
		}

		switch {
		case b == '\r' || b == '\n':
			if cmd := strings.TrimSpace(string(c.buf)); cmd != "" {
				out = append(out, cmd)
				c.buf = c.buf[:0]
			}
		case b == keyBackspace || b == keyDelete:
			if len(c.buf) > 0 {
				c.buf = c.buf[:len(c.buf)-1]
			}
		case b == keyEscape:
			c.esc = escStart
		case b >= 0x20 && b <= 0x7e:
			c.buf = append(c.buf, b)
		}
	}
	return out
}

// Pending returns the text typed since the last completed command.
func (c *CommandCapture) Pending() string {
	return string(c.buf)
}

// Reset drops pending input.
func (c *CommandCapture) Reset() {
	c.buf = c.buf[:0]
	c.esc = escNone
}
