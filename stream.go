package zpaq

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/AlexStz/zpaq/internal/attr"
	"github.com/AlexStz/zpaq/internal/codec"
	"github.com/AlexStz/zpaq/internal/pipeline"
)

// addStreaming appends files in the legacy non-journaling format: each file
// becomes a run of self-contained blocks, the first carrying the filename
// and a "<size> <date> <attr>" comment, with no dedup and no index. Readers
// treat a streaming run as one undated version.
func (a *archive) addStreaming(ctx context.Context, w *appendWriter, stats *AddStats) error {
	start := w.pos
	prof := codec.ProfileFor(codec.Method{Level: a.cfg.method.Level}, 4)
	pl := pipeline.New(w, w.pos, a.cfg.threads, a.cfg.fragile, a.cfg.logger)

	buf := make([]byte, a.cfg.blockSize)
	for _, path := range a.changedFiles() {
		if path == "" || path[len(path)-1] == '/' {
			continue
		}
		fe := a.dt[path]
		in, err := os.Open(fe.epath)
		if err != nil {
			a.errors.Add(1)
			a.cfg.log().Warn("cannot read input", "path", fe.epath, "err", err)
			continue
		}
		first := true
		for {
			n, rerr := io.ReadFull(in, buf)
			if n == 0 {
				if !first {
					break
				}
				// Empty files still get one block so the name is recorded.
			}
			name := ""
			comment := strconv.Itoa(n)
			if first {
				name = path
				comment += " " + strconv.FormatInt(int64(fe.edate), 10)
				if tag := byte(fe.eattr); tag == attr.TagUnix || tag == attr.TagWindows {
					comment += " " + string(tag) + strconv.FormatInt(fe.eattr>>8, 10)
				}
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			pl.Enqueue(name, comment, payload, prof)
			stats.InputBytes += int64(n)
			stats.Blocks++
			first = false
			if rerr != nil {
				break
			}
			if err := ctx.Err(); err != nil {
				in.Close()
				pl.Close()
				return err
			}
		}
		in.Close()
		stats.Added++
		a.cfg.log().Debug("streamed", "path", path, "size", fe.esize)
	}
	if _, err := pl.Close(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	stats.Growth = w.pos - start
	return nil
}
