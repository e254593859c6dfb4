package idalloc

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// fileMode is the permission persisted ID files are written with:
// user-only read/write.
const fileMode = 0o600

// Allocator is a monotonic 64-bit counter. It is only ever touched
// from the single reconciliation thread; no internal locking is
// needed or provided.
type Allocator struct {
	path string
	log  *zap.SugaredLogger
	last uint64
}

// New returns an Allocator that will persist to path. Call Load before
// first use to recover the counter from a prior run; absent a call to
// Load, the counter starts at zero.
func New(path string, log *zap.SugaredLogger) *Allocator {
	return &Allocator{path: path, log: log}
}

// Allocate returns the next unused connection ID. It is the
// pre-incremented counter value: the first call after a fresh
// Allocator (last == 0) returns 1.
func (a *Allocator) Allocate() uint64 {
	a.last++
	return a.last
}

// Last returns the most recently allocated ID without consuming a new
// one; it equals the maximum connection_id ever allocated.
func (a *Allocator) Last() uint64 {
	return a.last
}

// Load reads the persisted counter from a.path. A missing file is not
// an error: it means this is the first run, and the counter starts at
// zero. The file must be a regular file or a symlink; any other file
// type fails the load. Loose permissions or an unexpected owner are
// logged as a warning but do not fail the load.
func (a *Allocator) Load() error {
	fi, err := os.Stat(a.path)
	if errors.Is(err, os.ErrNotExist) {
		a.last = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("idalloc: stat %s: %w", a.path, err)
	}

	if mode := fi.Mode(); !mode.IsRegular() && mode.Type() != os.ModeSymlink {
		return fmt.Errorf("idalloc: %s is neither a regular file nor a symlink (mode %s)", a.path, mode)
	} else if mode.Perm()&0o077 != 0 {
		a.log.Warnw("connection-id file has loose permissions",
			"path", a.path, "mode", mode.Perm().String())
	}

	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		if callerUID := uint32(os.Getuid()); st.Uid != callerUID {
			a.log.Warnw("connection-id file is not owned by the running user",
				"path", a.path, "file_uid", st.Uid, "caller_uid", callerUID)
		}
	}

	b, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("idalloc: read %s: %w", a.path, err)
	}

	s := strings.TrimSpace(string(b))
	if s == "" {
		a.last = 0
		return nil
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("idalloc: parse %s: %w", a.path, err)
	}

	a.last = v
	return nil
}

// Store persists the current counter value to a.path, creating or
// truncating the file with mode 0600. Write failures are logged and
// also returned, so callers that care can surface them; the tick loop
// itself only logs.
func (a *Allocator) Store() error {
	contents := []byte(strconv.FormatUint(a.last, 10) + "\n")
	if err := os.WriteFile(a.path, contents, fileMode); err != nil {
		if a.log != nil {
			a.log.Errorw("failed to persist connection id", "path", a.path, "error", err)
		}
		return fmt.Errorf("idalloc: write %s: %w", a.path, err)
	}
	return nil
}
