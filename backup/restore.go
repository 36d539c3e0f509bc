// backup/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lacoski/benji/blockio"
	"github.com/lacoski/benji/event"
	"github.com/lacoski/benji/meta"
	"github.com/lacoski/benji/util"
)

// Restore writes the version identified by uid onto dst, block by block
// in ascending index order. Sparse blocks are written as zeros with no
// backend read. Reads and writes run on independent bounded engines so
// neither rate throttles the other below its own cap.
func (r *Runner) Restore(ctx context.Context, uid string, dst Destination) error {
	version, err := r.catalog.Version(uid)
	if err != nil {
		return err
	}
	if version.Status != meta.StatusValid {
		return fmt.Errorf("version %s: status is %s, not valid", uid, version.Status)
	}
	blocks, err := r.catalog.VersionBlocks(uid)
	if err != nil {
		return err
	}

	log.Info().Str("volume", version.Volume).Str("version", uid).
		Str("size", util.FmtBytes(version.Size)).Msg("restore started")
	r.emit(event.Event{Name: event.RestoreStarted, Volume: version.Volume,
		VersionUID: uid})

	err = r.runRestore(ctx, version, blocks, dst)
	if err != nil {
		log.Error().Err(err).Str("version", uid).Msg("restore failed")
	} else {
		log.Info().Str("version", uid).Msg("restore completed")
	}

	if r.emit(event.Event{Name: event.RestoreCompleted, Volume: version.Volume,
		VersionUID: uid, Err: err}) {
		err = nil
	}
	return err
}

func (r *Runner) runRestore(ctx context.Context, version *meta.Version,
	blocks []meta.Block, dst Destination) error {

	readEng := blockio.New(blockio.Options{Workers: r.opts.SimultaneousReads,
		QueueDepth: r.opts.QueueDepth})
	if err := readEng.OpenRead(ctx, r.fetchBlock); err != nil {
		return err
	}
	defer readEng.Close()

	writeEng := blockio.New(blockio.Options{Workers: r.opts.SimultaneousWrites,
		QueueDepth: r.opts.QueueDepth})
	if err := writeEng.OpenWrite(ctx, dst.WriteBlock); err != nil {
		return err
	}
	defer writeEng.Close()

	rr := &restoreRun{readEng: readEng, writeEng: writeEng}
	progress := util.Progress{Msg: "restore scan:"}

	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}

		if b.Checksum.IsSparse() {
			// No stored object; the destination gets explicit zeros.
			if err := rr.submitWrite(b, make([]byte, b.Size)); err != nil {
				return err
			}
			progress.Add(int64(b.Size))
			continue
		}

		for readEng.Outstanding() >= readEng.Slots() {
			if err := rr.drainRead(-1); err != nil {
				return err
			}
		}
		if err := readEng.Submit(b, nil); err != nil {
			return err
		}
		progress.Add(int64(b.Size))

		if err := rr.drainAll(); err != nil {
			return err
		}
	}

	for readEng.Outstanding() > 0 {
		if err := rr.drainRead(-1); err != nil {
			return err
		}
	}
	for writeEng.Outstanding() > 0 {
		if err := rr.drainWrite(-1); err != nil {
			return err
		}
	}
	progress.Finish()
	return nil
}

type restoreRun struct {
	readEng  *blockio.Engine
	writeEng *blockio.Engine
}

// submitWrite queues one destination write, draining completed writes
// first so the control loop never parks on the write semaphore.
func (rr *restoreRun) submitWrite(b meta.Block, data []byte) error {
	for rr.writeEng.Outstanding() >= rr.writeEng.Slots() {
		if err := rr.drainWrite(-1); err != nil {
			return err
		}
	}
	return rr.writeEng.Submit(b, data)
}

// drainRead retires one fetched-and-decoded block and forwards it to the
// destination.
func (rr *restoreRun) drainRead(timeout time.Duration) error {
	res, err := rr.readEng.Completed(timeout)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	return rr.submitWrite(res.Block, res.Data)
}

func (rr *restoreRun) drainWrite(timeout time.Duration) error {
	res, err := rr.writeEng.Completed(timeout)
	if err != nil {
		return err
	}
	return res.Err
}

// drainAll retires any already-finished work without blocking.
func (rr *restoreRun) drainAll() error {
	for {
		err := rr.drainRead(0)
		if err == blockio.ErrTimeout || err == blockio.ErrDrained {
			break
		}
		if err != nil {
			return err
		}
	}
	for {
		err := rr.drainWrite(0)
		if err == blockio.ErrTimeout || err == blockio.ErrDrained {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}
