package node

import (
	"bufio"
	"context"
	"errors"
	"io"
)

// maxLineSize bounds a single input line.
const maxLineSize = 4 << 20

var errLineTooLong = errors.New("input line exceeds maximum size")

// ReadLines streams r line by line. Lines longer than maxLineSize are
// discarded with a warning and reading continues. The channel is closed at
// end of input, on a read error, or when ctx is done.
func ReadLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)

	go func() {
		defer close(out)

		br := bufio.NewReaderSize(r, 64<<10)
		for {
			line, err := readLine(br)
			if errors.Is(err, errLineTooLong) {
				log.Warnw("discarding local input line", "error", err, "limit", maxLineSize)
				continue
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warnw("stopped reading local input", "error", err)
				}
				return
			}

			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// readLine joins the fragments of one line, dropping its trailing \n or \r\n.
// An oversized line is consumed in full and reported as errLineTooLong.
func readLine(br *bufio.Reader) (string, error) {
	var buf []byte
	tooLong := false
	for {
		frag, isPrefix, err := br.ReadLine()
		if err != nil {
			// Input ended in the middle of a line.
			if errors.Is(err, io.EOF) && (len(buf) > 0 || tooLong) {
				break
			}
			return "", err
		}
		if !tooLong {
			if len(buf)+len(frag) > maxLineSize {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, frag...)
			}
		}
		if !isPrefix {
			break
		}
	}

	if tooLong {
		return "", errLineTooLong
	}
	return string(buf), nil
}
