// Package fs provides the filesystem seam used by the local blob store.
//
// The package defines two interfaces:
//
//   - [File]: an open file that can be read, written, synced and stat'ed
//   - [FileSystem]: the handful of path operations the cache needs
//     (open, remove, rename, stat, mkdir)
//
// # Implementations
//
//   - [LocalFS]: production implementation on top of the os package
//   - [FaultyFS]: test wrapper that injects I/O errors
//
// # Usage
//
// Production code uses fs.Default:
//
//	f, err := fs.Default.OpenFile(path, os.O_RDONLY, 0)
//
// Tests inject [FaultyFS] to drive the storage-failure paths:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.FailRename(errors.New("disk full"))
//	store, _ := blobstore.NewLocalStore(dir, blobstore.WithFileSystem(ffs))
//
// Operations take no context.Context. Local filesystem calls are not
// interruptible at the syscall level; remote backends live behind
// blobstore.Store, which is context-aware.
package fs
