package ftps

import "io"

// ProgressFunc receives the progress of a transfer. It is called
// synchronously from the transfer loop after every chunk with the file
// offset reached so far and the expected final size.
//
// A resumed transfer starts reporting from the resume offset.
type ProgressFunc func(transferred, total int64)

// progressWriter wraps an io.Writer and reports progress via a callback.
type progressWriter struct {
	// w is the underlying writer
	w io.Writer

	// fn is called after each successful Write, may be nil
	fn ProgressFunc

	// n is the offset reached; it starts at the resume offset
	n int64

	total int64
}

// Write implements io.Writer.
func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.n += int64(n)
	if pw.fn != nil && n > 0 && err == nil {
		pw.fn(pw.n, pw.total)
	}
	return n, err
}
