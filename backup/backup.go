// backup/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup assembles versions: it walks a volume's blocks in
// ascending index order, deduplicates them against the metadata catalog
// by content checksum, pushes new payloads through the transform pipeline
// into a storage backend, and records the resulting block map. Restore
// runs the same machinery in reverse.
package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lacoski/benji/blockio"
	"github.com/lacoski/benji/event"
	"github.com/lacoski/benji/meta"
	"github.com/lacoski/benji/storage"
	"github.com/lacoski/benji/transform"
	"github.com/lacoski/benji/util"
)

// Options configures one Runner.
type Options struct {
	// BlockSize is the nominal block size in bytes; the last block of a
	// volume may be smaller, never padded.
	BlockSize int

	// SimultaneousReads / SimultaneousWrites cap how many source reads
	// and backend writes run concurrently.
	SimultaneousReads  int
	SimultaneousWrites int

	// QueueDepth bounds submissions beyond the concurrency caps; 0
	// selects the engine default.
	QueueDepth int

	// Transforms is applied to every stored payload. A nil pipeline
	// stores payloads untransformed.
	Transforms *transform.Pipeline

	// Events receives lifecycle notifications; nil disables them.
	Events *event.Registry

	// Labels are attached to every version this runner creates.
	Labels map[string]string
}

// Runner executes backup and restore runs against one catalog and one
// backend. Each run owns its own engine instances; a Runner itself holds
// no per-run state and may be reused.
type Runner struct {
	catalog meta.Catalog
	backend storage.Backend
	opts    Options
}

func NewRunner(catalog meta.Catalog, backend storage.Backend, opts Options) *Runner {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4 * 1024 * 1024
	}
	if opts.Transforms == nil {
		opts.Transforms = transform.NewPipeline()
	}
	return &Runner{catalog: catalog, backend: backend, opts: opts}
}

func (r *Runner) emit(ev event.Event) bool {
	if r.opts.Events == nil {
		return false
	}
	return r.opts.Events.Emit(ev)
}

func isZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

// storeBlock transforms one raw payload and puts it into the backend
// under its checksum-derived object ID. Runs inside write-engine workers.
func (r *Runner) storeBlock(ctx context.Context, b meta.Block, data []byte) error {
	payload, metas, err := r.opts.Transforms.Encode(data)
	if err != nil {
		return fmt.Errorf("block %d: %w", b.Index, err)
	}
	obj, err := encodeObject(metas, payload)
	if err != nil {
		return fmt.Errorf("block %d: %w", b.Index, err)
	}
	return r.backend.Put(ctx, meta.ObjectIDForChecksum(b.Checksum), obj)
}

// fetchBlock gets one stored object and decodes it back to the raw
// payload, verifying the content checksum. Runs inside read-engine
// workers.
func (r *Runner) fetchBlock(ctx context.Context, b meta.Block) ([]byte, error) {
	obj, err := r.backend.Get(ctx, meta.ObjectIDForChecksum(b.Checksum))
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", b.Index, err)
	}
	metas, payload, err := decodeObject(obj)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", b.Index, err)
	}
	data, err := r.opts.Transforms.Decode(payload, metas)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", b.Index, err)
	}
	if !meta.HashBytes(data).Equal(b.Checksum) {
		return nil, fmt.Errorf("block %d: decoded payload: %w",
			b.Index, storage.ErrHashMismatch)
	}
	return data, nil
}

// backupRun is the per-run state of one Backup call. The control loop is
// single-goroutine; only the engines' workers run in parallel.
type backupRun struct {
	r        *Runner
	version  *meta.Version
	claims   *claimSet
	writeEng *blockio.Engine

	newObjects   int64
	dedupBlocks  int64
	sparseBlocks int64
	baseBlocks   int64
}

// Backup creates a new version of volume from src. baseUID selects the
// base version for a differential run ("" for a full backup); changes is
// the changed-byte-range list, nil meaning every block must be treated
// as changed. The returned version is StatusValid on success and
// StatusInvalid after any failure; a partial version is never deleted.
func (r *Runner) Backup(ctx context.Context, volume string, src Source,
	baseUID string, changes []Range) (*meta.Version, error) {

	size, err := src.Size()
	if err != nil {
		return nil, err
	}

	version := &meta.Version{
		UID:       uuid.NewString(),
		Volume:    volume,
		Created:   time.Now(),
		BlockSize: r.opts.BlockSize,
		Size:      size,
		Labels:    r.opts.Labels,
		Status:    meta.StatusIncomplete,
	}

	var base map[int64]meta.Block
	if baseUID != "" {
		bv, err := r.catalog.Version(baseUID)
		if err != nil {
			return nil, fmt.Errorf("base version %s: %w", baseUID, err)
		}
		// Differentials against a broken base would silently propagate
		// its holes into every descendant.
		if bv.Status != meta.StatusValid {
			return nil, fmt.Errorf("base version %s: status is %s, not valid",
				baseUID, bv.Status)
		}
		if bv.BlockSize != r.opts.BlockSize {
			return nil, fmt.Errorf("base version %s: block size %d != %d",
				baseUID, bv.BlockSize, r.opts.BlockSize)
		}
		blocks, err := r.catalog.VersionBlocks(baseUID)
		if err != nil {
			return nil, err
		}
		base = make(map[int64]meta.Block, len(blocks))
		for _, b := range blocks {
			base[b.Index] = b
		}
	}

	if err := r.catalog.CreateVersion(version); err != nil {
		return nil, err
	}

	log.Info().Str("volume", volume).Str("version", version.UID).
		Str("size", util.FmtBytes(size)).Str("base", baseUID).
		Msg("backup started")
	r.emit(event.Event{Name: event.BackupStarted, Volume: volume,
		VersionUID: version.UID})

	err = r.runBackup(ctx, version, src, base, changedBlocks(changes, r.opts.BlockSize, size))

	if err != nil {
		if merr := r.catalog.MarkVersion(version.UID, meta.StatusInvalid); merr != nil {
			log.Error().Err(merr).Str("version", version.UID).
				Msg("marking failed version invalid")
		}
		version.Status = meta.StatusInvalid
		log.Error().Err(err).Str("version", version.UID).Msg("backup failed")
	} else {
		if err = r.catalog.MarkVersion(version.UID, meta.StatusValid); err == nil {
			version.Status = meta.StatusValid
			log.Info().Str("version", version.UID).Msg("backup completed")
		}
	}

	if r.emit(event.Event{Name: event.BackupCompleted, Volume: volume,
		VersionUID: version.UID, Err: err}) {
		// An observer took responsibility for the failure; the version
		// keeps its invalid status regardless.
		err = nil
	}
	return version, err
}

func (r *Runner) runBackup(ctx context.Context, version *meta.Version,
	src Source, base map[int64]meta.Block, changed map[int64]bool) error {

	run := &backupRun{r: r, version: version, claims: newClaimSet()}

	readEng := blockio.New(blockio.Options{Workers: r.opts.SimultaneousReads,
		QueueDepth: r.opts.QueueDepth})
	if err := readEng.OpenRead(ctx, src.ReadBlock); err != nil {
		return err
	}
	defer readEng.Close()

	run.writeEng = blockio.New(blockio.Options{Workers: r.opts.SimultaneousWrites,
		QueueDepth: r.opts.QueueDepth})
	if err := run.writeEng.OpenWrite(ctx, r.storeBlock); err != nil {
		return err
	}
	defer run.writeEng.Close()

	readSlots := readEng.Slots()
	progress := util.Progress{Msg: "backup scan:"}

	nBlocks := version.Blocks()
	for idx := int64(0); idx < nBlocks; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		b := meta.Block{Index: idx, Size: r.opts.BlockSize}
		if rem := version.Size - idx*int64(r.opts.BlockSize); rem < int64(b.Size) {
			b.Size = int(rem)
		}

		if changed != nil && !changed[idx] {
			// Unchanged since the base: carry its entry verbatim, no
			// read, no store.
			bb, ok := base[idx]
			if !ok {
				return fmt.Errorf("block %d: not in base version block map", idx)
			}
			bb.Size = b.Size
			if err := r.catalog.RecordBlock(version.UID, bb); err != nil {
				return err
			}
			run.baseBlocks++
			continue
		}

		// Make room before submitting so the control loop never parks on
		// a semaphore it is itself responsible for draining.
		for readEng.Outstanding() >= readSlots {
			if err := run.drainRead(readEng, -1); err != nil {
				return err
			}
		}
		if err := readEng.Submit(b, nil); err != nil {
			return err
		}
		progress.Add(int64(b.Size))

		// Opportunistically retire finished work without blocking.
		if err := run.drainAll(readEng, 0); err != nil {
			return err
		}
	}

	// Everything is submitted; retire the stragglers.
	for readEng.Outstanding() > 0 {
		if err := run.drainRead(readEng, -1); err != nil {
			return err
		}
	}
	for run.writeEng.Outstanding() > 0 {
		if err := run.drainWrite(-1); err != nil {
			return err
		}
	}
	progress.Finish()

	log.Info().Str("version", version.UID).
		Int64("stored", run.newObjects).Int64("deduplicated", run.dedupBlocks).
		Int64("sparse", run.sparseBlocks).Int64("from_base", run.baseBlocks).
		Msg("block scan finished")
	return nil
}

// drainAll retires any already-finished reads and writes without
// blocking.
func (run *backupRun) drainAll(readEng *blockio.Engine, timeout time.Duration) error {
	for {
		err := run.drainRead(readEng, timeout)
		if err == blockio.ErrTimeout || err == blockio.ErrDrained {
			break
		}
		if err != nil {
			return err
		}
	}
	for {
		err := run.drainWrite(timeout)
		if err == blockio.ErrTimeout || err == blockio.ErrDrained {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// drainRead retires one completed source read and makes its dedup
// decision. Blocking reads pass timeout -1; ErrTimeout and ErrDrained
// surface to the caller, which treats them as "nothing to do".
func (run *backupRun) drainRead(readEng *blockio.Engine, timeout time.Duration) error {
	res, err := readEng.Completed(timeout)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}

	b := res.Block
	if isZero(res.Data) {
		// Sparse block: null checksum, nothing stored.
		b.Checksum = nil
		run.sparseBlocks++
		return run.r.catalog.RecordBlock(run.version.UID, b)
	}

	b.Checksum = meta.HashBytes(res.Data)
	ref, err := run.r.catalog.LookupChecksum(b.Checksum)
	if err != nil {
		return err
	}
	if ref != nil {
		// Already durably stored by an earlier version or block.
		run.dedupBlocks++
		return run.r.catalog.RecordBlock(run.version.UID, b)
	}

	if !run.claims.claim(b.Checksum, b) {
		// Another block with this checksum is mid-store; this one was
		// parked and will be recorded when the winner commits.
		run.dedupBlocks++
		return nil
	}

	// New payload: store it. Drain the write engine first so this
	// submit can't park the control loop on a full queue.
	writeSlots := run.writeEng.Slots()
	for run.writeEng.Outstanding() >= writeSlots {
		if err := run.drainWrite(-1); err != nil {
			return err
		}
	}
	return run.writeEng.Submit(b, res.Data)
}

// drainWrite retires one completed backend store: the object is durable,
// so the checksum becomes known for dedup and the winner plus any parked
// followers get their block map entries.
func (run *backupRun) drainWrite(timeout time.Duration) error {
	res, err := run.writeEng.Completed(timeout)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}

	b := res.Block
	if err := run.r.catalog.RecordObject(meta.StoredObjectRef{
		Checksum: b.Checksum,
		ObjectID: meta.ObjectIDForChecksum(b.Checksum),
	}); err != nil {
		return err
	}
	if err := run.r.catalog.RecordBlock(run.version.UID, b); err != nil {
		return err
	}
	for _, f := range run.claims.commit(b.Checksum) {
		if err := run.r.catalog.RecordBlock(run.version.UID, f); err != nil {
			return err
		}
	}
	run.newObjects++

	run.r.emit(event.Event{Name: event.BlockStored, Volume: run.version.Volume,
		VersionUID: run.version.UID, BlockIndex: b.Index})
	return nil
}
