// util/util.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

///////////////////////////////////////////////////////////////////////////
// Progress

// Progress periodically logs how many bytes a long-running scan has
// processed and the rate of processing them in bytes / second. Not safe
// for concurrent use; meant for a single control loop.
type Progress struct {
	Msg           string
	start         time.Time
	reportCounter int64
	bytes         int64
}

const reportFrequency = 128 * 1024 * 1024

// Add accounts n processed bytes, logging a progress line every 128 MiB.
func (p *Progress) Add(n int64) {
	if p.start.IsZero() {
		p.start = time.Now()
		p.reportCounter = reportFrequency
	}

	p.bytes += n
	p.reportCounter -= n
	if p.reportCounter < 0 {
		p.report()
		p.reportCounter += reportFrequency
	}
}

// Bytes reports the total accounted so far.
func (p *Progress) Bytes() int64 {
	return p.bytes
}

func (p *Progress) report() {
	delta := time.Since(p.start)
	bytesPerSec := int64(float64(p.bytes) / delta.Seconds())
	log.Info().Msgf("%s %s [%s/s]", p.Msg, FmtBytes(p.bytes),
		FmtBytes(bytesPerSec))
}

// Finish logs the closing progress line.
func (p *Progress) Finish() {
	if !p.start.IsZero() {
		p.report()
	}
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

func FmtBytes(n int64) string {
	if n >= 1024*1024*1024*1024 {
		return fmt.Sprintf("%.2f TiB", float64(n)/(1024.*1024.*
			1024.*1024.))
	} else if n >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GiB", float64(n)/(1024.*1024.*
			1024.))
	} else if n > 1024*1024 {
		return fmt.Sprintf("%.2f MiB", float64(n)/(1024.*1024.))
	} else if n > 1024 {
		return fmt.Sprintf("%.2f kiB", float64(n)/1024.)
	} else {
		return fmt.Sprintf("%d B", n)
	}
}
