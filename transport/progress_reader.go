package transport

import (
	"bytes"
	"math"
)

// progressReader reports how much of the payload the HTTP client consumed, as a percentage.
type progressReader struct {
	*bytes.Reader
	total      int
	read       int
	last       int
	onProgress func(int)
}

func newProgressReader(payload []byte, onProgress func(int)) *progressReader {
	return &progressReader{
		Reader:     bytes.NewReader(payload),
		total:      len(payload),
		last:       -1,
		onProgress: onProgress,
	}
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if n > 0 {
		r.read += n
		r.report()
	}
	return n, err
}

func (r *progressReader) report() {
	if r.onProgress == nil || r.total == 0 {
		return
	}

	percent := int(math.Round(float64(r.read) / float64(r.total) * 100))
	if percent > 100 {
		percent = 100
	}
	if percent <= r.last {
		return
	}
	r.last = percent
	r.onProgress(percent)
}
