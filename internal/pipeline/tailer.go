package pipeline

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const tailPollInterval = 500 * time.Millisecond

// tailFile follows path from its current end and hands complete lines to
// handle, in order. Truncation (logrotate copytruncate) and replacement
// (rename rotation) both cause a reopen from the start of the new file.
func tailFile(ctx context.Context, path string, handle func(line string)) error {
	var (
		file   *os.File
		reader *bufio.Reader
		offset int64
	)
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	open := func(seekEnd bool) error {
		if file != nil {
			file.Close()
			file = nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		offset = 0
		if seekEnd {
			if end, err := f.Seek(0, io.SeekEnd); err == nil {
				offset = end
			}
		}
		file = f
		reader = bufio.NewReader(f)
		return nil
	}

	if err := open(true); err != nil {
		log.Warn("log source not yet readable, waiting", "path", path, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if file == nil {
			if err := open(false); err != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(tailPollInterval):
				}
				continue
			}
		}

		line, err := reader.ReadString('\n')
		if err == nil {
			offset += int64(len(line))
			if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
				handle(trimmed)
			}
			continue
		}
		if err != io.EOF {
			log.Warn("log source read failed, reopening", "path", path, "error", err)
			file.Close()
			file = nil
			continue
		}

		// Partial line at EOF stays buffered in the reader; rewind so the
		// next read attempt sees it again in full.
		if len(line) > 0 {
			if _, serr := file.Seek(offset, io.SeekStart); serr == nil {
				reader.Reset(file)
			}
		}

		if rotated(path, file, offset) {
			file.Close()
			file = nil
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tailPollInterval):
		}
	}
}

// rotated reports whether the file shrank under us or the path now points at
// a different inode-sized file.
func rotated(path string, file *os.File, offset int64) bool {
	current, err := file.Stat()
	if err != nil {
		return true
	}
	if current.Size() < offset {
		return true
	}
	onDisk, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !os.SameFile(current, onDisk)
}
