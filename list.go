package zpaq

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/AlexStz/zpaq/internal/attr"
	"github.com/AlexStz/zpaq/internal/pathutil"
)

// List writes a listing of the archive to w: one row per file version
// (filtered by the name arguments, -since, -all and -until), followed by
// the version table. With -summary it instead aggregates: largest paths,
// directory rollups, extensions, and the fragment-reference histogram.
func List(ctx context.Context, archivePath string, paths []string, w io.Writer, opts ...Option) error {
	cfg := defaultConfig()
	cfg.apply(opts)
	a, err := openArchive(ctx, archivePath, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	names := normalizeNames(paths)
	if cfg.summary > 0 {
		return a.listSummary(w, names)
	}
	return a.listFiles(w, names)
}

func sizeString(n int64) string {
	if n < 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}

func (a *archive) sortedPaths() []string {
	paths := make([]string, 0, len(a.dt))
	for p := range a.dt {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (a *archive) listFiles(w io.Writer, names []string) error {
	since := a.cfg.since
	if since < 0 {
		since = a.versions() + since + 1
	}
	var shown, bytes int64
	for _, path := range a.sortedPaths() {
		fe := a.dt[path]
		if !a.cfg.selected(path, names) {
			continue
		}
		vs := fe.versions
		if !a.cfg.all {
			if !fe.live() {
				continue
			}
			vs = vs[len(vs)-1:]
		}
		for i := range vs {
			fv := &vs[i]
			if fv.version < since {
				continue
			}
			if _, err := fmt.Fprintf(w, "%4d %s %-8s %12s %s\n",
				fv.version, fv.date, attr.String(fv.attr), sizeString(fv.size), path); err != nil {
				return err
			}
			shown++
			if fv.size > 0 {
				bytes += fv.size
			}
		}
	}
	if _, err := fmt.Fprintf(w, "%d file versions, %d bytes\n\n", shown, bytes); err != nil {
		return err
	}
	return a.listVersions(w)
}

func (a *archive) listVersions(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Ver  Date                     +Added -Deleted        Bytes       Offset\n"); err != nil {
		return err
	}
	for i, v := range a.ver {
		if i == 0 && len(a.ver) > 1 {
			// The sentinel version holds nothing; keep the row so version
			// numbers line up with -until.
			if _, err := fmt.Fprintf(w, "%4d\n", 0); err != nil {
				return err
			}
			continue
		}
		if i == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "%4d %s %+7d %-8d %12d %12d\n",
			i, v.date, v.updates, v.deletes, v.usize, v.offset); err != nil {
			return err
		}
	}
	return nil
}

type rollup struct {
	name  string
	size  int64
	count int
}

func topN(m map[string]*rollup, n int) []*rollup {
	out := make([]*rollup, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].size != out[j].size {
			return out[i].size > out[j].size
		}
		return out[i].name < out[j].name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func addRollup(m map[string]*rollup, name string, size int64) {
	r := m[name]
	if r == nil {
		r = &rollup{name: name}
		m[name] = r
	}
	if size > 0 {
		r.size += size
	}
	r.count++
}

// listSummary aggregates the live archive state: the top-N paths by size,
// per-directory and per-extension rollups, the fragment-reference
// histogram, and the version table.
func (a *archive) listSummary(w io.Writer, names []string) error {
	n := a.cfg.summary
	var (
		files = map[string]*rollup{}
		dirs  = map[string]*rollup{}
		exts  = map[string]*rollup{}
		refs  = make([]int, len(a.ht))
	)
	for _, path := range a.sortedPaths() {
		fe := a.dt[path]
		for i := range fe.versions {
			for _, p := range fe.versions[i].ptr {
				if int(p) < len(refs) {
					refs[p]++
				}
			}
		}
		if !a.cfg.selected(path, names) || !fe.live() {
			continue
		}
		fv := fe.latest()
		addRollup(files, path, fv.size)
		for dir := pathutil.Dir(path); ; dir = pathutil.Dir(dir[:len(dir)-1]) {
			addRollup(dirs, dir+"*", fv.size)
			if dir == "" {
				break
			}
		}
		addRollup(exts, "."+pathutil.Ext(path), fv.size)
	}

	sections := []struct {
		title string
		m     map[string]*rollup
	}{
		{"Top paths", files},
		{"Top directories", dirs},
		{"Top extensions", exts},
	}
	for _, sec := range sections {
		title, m := sec.title, sec.m
		if _, err := fmt.Fprintf(w, "%s:\n", title); err != nil {
			return err
		}
		for _, r := range topN(m, n) {
			if _, err := fmt.Fprintf(w, "%12d %6d  %s\n", r.size, r.count, r.name); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}

	// Histogram of how often fragments are shared.
	hist := map[int]int{}
	for id := 1; id < len(refs); id++ {
		c := refs[id]
		if c > 9 {
			c = 10
		}
		hist[c]++
	}
	if _, err := fmt.Fprintf(w, "Fragment references:\n"); err != nil {
		return err
	}
	for c := 0; c <= 10; c++ {
		if hist[c] == 0 {
			continue
		}
		label := fmt.Sprintf("%d", c)
		if c == 10 {
			label = "10+"
		}
		if _, err := fmt.Fprintf(w, "%6s %10d\n", label, hist[c]); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	return a.listVersions(w)
}
