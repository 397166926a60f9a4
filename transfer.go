package ftps

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/gonzalop/ftps/internal/ratelimit"
)

// chunkSize is the unit of the transfer loops; progress is reported once per chunk.
const chunkSize = 8 << 10

// Upload sends the local file to remotePath with STOR.
//
// With resume set, the size of the remote file (SIZE) is the offset to
// continue from: the transfer restarts there with REST and the local file is
// read from the same offset. A remote file that is missing counts as empty;
// a remote file at least as large as the local one is already complete and
// nothing is transferred.
//
// A failure after the data connection was established is a *TransferError
// carrying the offset reached. The partial remote file is left in place.
//
// Example:
//
//	err := client.Upload(ctx, "backup.tar", "/incoming/backup.tar", true,
//	    func(done, total int64) {
//	        fmt.Printf("\r%d/%d", done, total)
//	    })
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, resume bool, progress ProgressFunc) error {
	return c.do(func() error {
		return c.upload(ctx, localPath, remotePath, resume, progress)
	})
}

func (c *Client) upload(ctx context.Context, localPath, remotePath string, resume bool, progress ProgressFunc) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrap(err, "failed to open local file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat local file")
	}
	total := info.Size()

	var offset int64
	if resume {
		size, err := c.size(ctx, remotePath)
		var re *ReplyError
		switch {
		case err == nil:
			offset = size
		case errors.As(err, &re):
			c.logger.Debug("no remote file to resume", "path", remotePath, "code", re.Code)
		default:
			return err
		}
	}

	if offset > 0 && offset >= total {
		c.logger.Debug("upload already complete", "path", remotePath, "size", offset)
		return nil
	}

	if err := c.ensureType(ctx); err != nil {
		return err
	}
	if offset > 0 {
		if err := c.restartAt(ctx, offset); err != nil {
			return err
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return errors.Wrap(err, "failed to seek local file")
		}
	}

	start := time.Now()
	d, err := c.openTransfer(ctx, "STOR", remotePath)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { d.close() })
	pw := &progressWriter{w: ratelimit.NewWriter(ctx, d, c.limiter), fn: progress, n: offset, total: total}
	copyErr := pump(pw, f)
	stop()

	finishErr := c.finishTransfer(ctx, d, "STOR "+remotePath)
	if copyErr != nil {
		if ctx.Err() != nil {
			copyErr = ctx.Err()
		}
		return &TransferError{Op: "upload", Transferred: pw.n, Err: copyErr}
	}
	if finishErr != nil {
		return finishErr
	}

	c.logger.Debug("upload complete", "path", remotePath, "bytes", pw.n-offset, "duration", time.Since(start))
	return nil
}

// Download fetches remotePath into the local file with RETR. The remote
// size (SIZE) is required and bounds the transfer; a server that closes the
// data connection early ends the transfer without error.
//
// With resume set and an existing local file, its length is the offset to
// continue from: the file is appended to after REST. A local file at least
// as large as the remote one is already complete and nothing is
// transferred. Without resume the local file is truncated.
//
// A receive or local write failure is a *TransferError carrying the offset
// reached. The partial local file is left in place.
func (c *Client) Download(ctx context.Context, remotePath, localPath string, resume bool, progress ProgressFunc) error {
	return c.do(func() error {
		return c.download(ctx, remotePath, localPath, resume, progress)
	})
}

func (c *Client) download(ctx context.Context, remotePath, localPath string, resume bool, progress ProgressFunc) error {
	size, err := c.size(ctx, remotePath)
	if err != nil {
		return err
	}

	var offset int64
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if resume {
		info, err := os.Stat(localPath)
		switch {
		case err == nil:
			offset = info.Size()
			if offset >= size {
				c.logger.Debug("download already complete", "path", remotePath, "size", size)
				return nil
			}
			flags = os.O_WRONLY | os.O_APPEND
		case !errors.Is(err, fs.ErrNotExist):
			return errors.Wrap(err, "failed to stat local file")
		}
	}

	f, err := os.OpenFile(localPath, flags, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open local file")
	}
	defer f.Close()

	if err := c.ensureType(ctx); err != nil {
		return err
	}
	if offset > 0 {
		if err := c.restartAt(ctx, offset); err != nil {
			return err
		}
	}

	start := time.Now()
	d, err := c.openTransfer(ctx, "RETR", remotePath)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { d.close() })
	pw := &progressWriter{w: f, fn: progress, n: offset, total: size}
	copyErr := pump(pw, ratelimit.NewReader(ctx, io.LimitReader(d, size-offset), c.limiter))
	stop()
	if copyErr == nil {
		copyErr = f.Close()
	}

	finishErr := c.finishTransfer(ctx, d, "RETR "+remotePath)
	if copyErr != nil {
		if ctx.Err() != nil {
			copyErr = ctx.Err()
		}
		return &TransferError{Op: "download", Transferred: pw.n, Err: copyErr}
	}
	if finishErr != nil {
		return finishErr
	}

	if pw.n < size {
		c.logger.Debug("short transfer", "path", remotePath, "bytes", pw.n, "size", size)
	}
	c.logger.Debug("download complete", "path", remotePath, "bytes", pw.n-offset, "duration", time.Since(start))
	return nil
}

// List returns the raw lines of a LIST of path, or of the working
// directory when no path is given. Empty lines are dropped; the lines are
// not parsed.
func (c *Client) List(ctx context.Context, path ...string) ([]string, error) {
	var lines []string
	err := c.do(func() error {
		var args []string
		for _, p := range path {
			if p != "" {
				args = append(args, p)
			}
		}

		d, err := c.openTransfer(ctx, "LIST", args...)
		if err != nil {
			return err
		}

		stop := context.AfterFunc(ctx, func() { d.close() })
		var (
			n       int64
			readErr error
		)
		r := bufio.NewReaderSize(ratelimit.NewReader(ctx, d, c.limiter), chunkSize)
		for {
			// Listing lines have no length limit.
			raw, err := r.ReadString('\n')
			n += int64(len(raw))
			if line := strings.TrimRight(raw, "\r\n"); line != "" {
				lines = append(lines, line)
			}
			if err != nil {
				if err != io.EOF {
					readErr = err
				}
				break
			}
		}
		stop()

		finishErr := c.finishTransfer(ctx, d, formatCommand("LIST", args...))
		if readErr != nil {
			if ctx.Err() != nil {
				readErr = ctx.Err()
			}
			return &TransferError{Op: "list", Transferred: n, Err: readErr}
		}
		return finishErr
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// restartAt sets the restart marker for the next transfer command (REST).
func (c *Client) restartAt(ctx context.Context, offset int64) error {
	_, err := c.expect(ctx, 350, "REST", strconv.FormatInt(offset, 10))
	return err
}

// pump copies src to dst one chunk at a time.
func pump(dst io.Writer, src io.Reader) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
