// Package blockvfs lets a database engine use an object store as its
// persistent file. A logical file is split into fixed-size blocks, each stored
// as one object under "{prefix}/{index}".
package blockvfs

import (
	"context"
	"errors"
)

const (
	// DefaultBlockSize matches the default SQLite page size.
	DefaultBlockSize = 4096

	// LockPageOffset is the fixed offset of the SQLite lock-byte page. SQLite
	// never writes this page in sequence with the rest of the file.
	LockPageOffset = 1073741824
)

var (
	// ErrNotExist is returned by a Store when an object is absent.
	ErrNotExist = errors.New("object does not exist")

	// ErrHandleNotFound means the caller referenced a handle it never opened
	// or already closed.
	ErrHandleNotFound = errors.New("file handle not found")

	// ErrHandleInUse means a handle id was reopened for a different file.
	ErrHandleInUse = errors.New("file handle already in use")

	ErrInvalidBlockSize = errors.New("block size must be positive")
)

// HandleID is assigned by the caller when it opens a file.
type HandleID int

// OpenFlags records how a file was opened. Values mirror SQLITE_OPEN_*.
type OpenFlags uint32

const (
	OpenReadOnly      OpenFlags = 0x00000001
	OpenReadWrite     OpenFlags = 0x00000002
	OpenCreate        OpenFlags = 0x00000004
	OpenDeleteOnClose OpenFlags = 0x00000008
	OpenExclusive     OpenFlags = 0x00000010
	OpenMainDB        OpenFlags = 0x00000100
	OpenTempDB        OpenFlags = 0x00000200
	OpenTransientDB   OpenFlags = 0x00000400
	OpenMainJournal   OpenFlags = 0x00000800
	OpenTempJournal   OpenFlags = 0x00001000
	OpenSubJournal    OpenFlags = 0x00002000
	OpenSuperJournal  OpenFlags = 0x00004000
	OpenWAL           OpenFlags = 0x00080000
)

// AccessKind selects the check performed by FileSystem.Access.
type AccessKind int

const (
	AccessExists AccessKind = iota
	AccessReadWrite
	AccessRead
)

// Object describes one stored object as reported by Store.List.
type Object struct {
	Key  string
	Size int64
}

// Store is the object store a FileSystem is built on. Implementations must
// report missing objects from Get with an error matching ErrNotExist, return
// List results in ascending key order, and treat deleting a missing key as
// success.
type Store interface {
	Put(ctx context.Context, key string, p []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
}

// FileSystem is the file contract the database engine drives. A nil error is
// success; any error is a failure.
type FileSystem interface {
	SectorSize(id HandleID) int
	Access(ctx context.Context, name string, kind AccessKind) (bool, error)
	Delete(ctx context.Context, name string, syncDir bool) error
	Open(ctx context.Context, name string, id HandleID, flags OpenFlags) (OpenFlags, error)
	Close(ctx context.Context, id HandleID) error
	ReadAt(ctx context.Context, id HandleID, p []byte, off int64) error
	WriteAt(ctx context.Context, id HandleID, p []byte, off int64) error
	Truncate(ctx context.Context, id HandleID, size int64) error
	Size(ctx context.Context, id HandleID) (int64, error)
}
