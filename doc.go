// Package zpaq implements a journaling, content-addressed, deduplicating
// archiver. An archive is a single append-only file holding any number of
// incremental snapshots of a directory tree; each snapshot stores only the
// content-defined fragments not already present, so repeated backups of
// slowly-changing trees stay small.
//
// The package exposes the archive operations as top-level functions:
// [Add], [Delete], [Extract], [List] and [Test]. All accept functional
// options; blocking operations take a context.
package zpaq
