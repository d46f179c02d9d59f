package runlog

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.jetify.com/typeid"
)

type RecorderOptions struct {
	Files *FileStore
	// Index and Mirror are optional.
	Index  *Index
	Mirror *Mirror
	Logger *log.Logger
}

// Recorder clamps a record and fans it out to the file store, the index and the mirror.
// Only the file store is authoritative; index and mirror failures are
// logged and swallowed.
type Recorder struct {
	files  *FileStore
	index  *Index
	mirror *Mirror
	logger *log.Logger
	now    func() time.Time
}

func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Recorder{
		files:  opts.Files,
		index:  opts.Index,
		mirror: opts.Mirror,
		logger: opts.Logger,
		now:    time.Now,
	}
}

func (r *Recorder) Index() *Index { return r.index }

func (r *Recorder) Append(ctx context.Context, rec Record) error {
	if r.files == nil {
		return fmt.Errorf("run log file store is not configured")
	}
	rec = rec.Clamp()
	now := r.now()
	if err := r.files.Append(now, rec); err != nil {
		return err
	}

	id := newRecordID(now)
	if r.index != nil {
		if err := r.index.Add(ctx, id, now, rec); err != nil {
			r.logger.Warn("run index update failed", "id", id, "slug", rec.Slug, "error", err)
		}
	}
	if r.mirror != nil {
		if err := r.mirror.Put(ctx, id, now, rec); err != nil {
			r.logger.Warn("run log mirror failed", "id", id, "slug", rec.Slug, "error", err)
		}
	}
	r.logger.Debug("run log appended", "id", id, "slug", rec.Slug, "outcome", rec.Outcome)
	return nil
}

func newRecordID(now time.Time) string {
	id, err := typeid.WithPrefix("rlog")
	if err != nil {
		return fmt.Sprintf("rlog-%d", now.UTC().UnixNano())
	}
	return id.String()
}
