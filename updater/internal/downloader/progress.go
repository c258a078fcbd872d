package downloader

import (
	"io"
	"time"

	"golang.org/x/time/rate"
)

const progressInterval = 250 * time.Millisecond

// progressReader reports the read percentage at most once per progressInterval
type progressReader struct {
	r         io.Reader
	total     int64
	read      int64
	last      int
	sometimes rate.Sometimes
	report    func(percent int)
}

func newProgressReader(r io.Reader, total int64, report func(percent int)) *progressReader {
	return &progressReader{
		r:         r,
		total:     total,
		last:      -1,
		sometimes: rate.Sometimes{First: 1, Interval: progressInterval},
		report:    report,
	}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)
	if p.total > 0 && n > 0 {
		p.sometimes.Do(p.emit)
	}
	return n, err
}

func (p *progressReader) emit() {
	percent := int(p.read * 100 / p.total)
	if percent > 100 {
		percent = 100
	}
	if percent == p.last {
		return
	}
	p.last = percent
	p.report(percent)
}
