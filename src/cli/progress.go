package cli

import (
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// progressReader implements an io.ReadCloser that shows a progress bar in the terminal which
// updates as more is read. Close it to clean up the terminal line afterwards.
type progressReader struct {
	current, last, max, width int
	reader                    io.Reader
	action                    string
}

// NewProgressReader returns a new progress bar reader.
// total is the expected size in bytes, or zero if it isn't known.
func NewProgressReader(reader io.Reader, total int, action string) io.ReadCloser {
	return &progressReader{
		max:    total,
		reader: reader,
		width:  TerminalWidth(),
		action: action,
	}
}

// Read implements the io.Reader interface
func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.reader.Read(b)
	pr.current += n
	pr.update()
	pr.last = pr.current
	return n, err
}

// Close implements the io.Closer interface
// This implementation never returns an error.
func (pr *progressReader) Close() error {
	if StdErrIsATerminal {
		Printf("${RESETLN}")
	} else {
		Printf("\n")
	}
	return nil
}

func (pr *progressReader) update() {
	if !StdErrIsATerminal {
		Printf(strings.Repeat(".", pr.current/1000000-pr.last/1000000))
		return
	}
	currentBytes := humanize.Bytes(uint64(pr.current))
	if pr.max == 0 {
		Printf("${RESETLN}%s %s...", pr.action, currentBytes)
		return
	}
	proportion := float64(pr.current) / float64(pr.max)
	totalCols := pr.width - 40
	if totalCols < 10 {
		totalCols = 10
	}
	currentPos := int(proportion * float64(totalCols))
	if currentPos > totalCols {
		currentPos = totalCols
	}
	Printf("${RESETLN}${BOLD_WHITE}%s %s / %s ${GREY}[%s>%s] ${BOLD_WHITE}%0.1f%%${RESET}",
		pr.action, currentBytes, humanize.Bytes(uint64(pr.max)),
		strings.Repeat("=", currentPos), strings.Repeat(" ", totalCols-currentPos), 100.0*proportion)
}
