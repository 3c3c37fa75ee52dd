// Package writer implements the per-host PXE config writer worker
// (spec.md §4.3, component C3): create one or more named files, watch
// them for a close-after-read event, invoke a completion callback, and
// guarantee their deletion on every exit path. Grounded on the
// teacher's internal/session.Store background loop (done channel +
// ticker, lock only around map mutation) generalized from a cleanup
// sweep to a single watched worker.
//
// Read-detection uses raw inotify (IN_CLOSE_NOWRITE) via
// golang.org/x/sys/unix rather than fsnotify: fsnotify's portable event
// set never surfaces a close-without-write, which is exactly the signal
// a PXE/TFTP read produces, so the thin cross-platform wrapper can't do
// the job the daemon actually needs.
package writer

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opsiorg/opsipxeconfd/internal/pxetemplate"
)

// watchTimeout bounds how long ACTIVE blocks between checks for a stop
// request, per spec.md §4.3 ("polling the watch with a bounded timeout
// (≈3s) so stop is always observed promptly").
const watchTimeout = 3 * time.Second

// state is the writer's position in the C3 state machine.
type state int

const (
	stateNew state = iota
	stateActive
	stateFiring
	stateCleanup
	stateDone
)

// CompletionCallback is invoked synchronously, at most once, when one of
// a writer's files has been read. It is not invoked when Start fails or
// when the writer is stopped. CLEANUP runs after the callback returns; a
// panic in the callback is recovered, so it does not prevent CLEANUP.
type CompletionCallback func(w *Writer)

// Writer is one PxeWriter instance, owned by the registry (C4) while
// active (spec.md §3).
type Writer struct {
	HostID       string
	TemplatePath string
	PXEFiles     []string
	Content      string
	Append       pxetemplate.Params
	StartTime    time.Time

	UEFIEnabled       bool
	SecureBootEnabled bool

	onComplete CompletionCallback
	adminGID   int

	mu       sync.Mutex
	st       state
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Writer. It does not create files or start watching;
// call Start for that.
func New(hostID, templatePath string, pxeFiles []string, content string, append pxetemplate.Params, uefiEnabled, secureBootEnabled bool, adminGroup string, onComplete CompletionCallback) *Writer {
	gid := -1
	if g, err := user.LookupGroup(adminGroup); err == nil {
		if n, err := strconv.Atoi(g.Gid); err == nil {
			gid = n
		}
	}
	return &Writer{
		HostID:            hostID,
		TemplatePath:      templatePath,
		PXEFiles:          pxeFiles,
		Content:           content,
		Append:            append,
		StartTime:         time.Now(),
		UEFIEnabled:       uefiEnabled,
		SecureBootEnabled: secureBootEnabled,
		onComplete:        onComplete,
		adminGID:          gid,
		st:                stateNew,
		stopCh:            make(chan struct{}),
		stopped:           make(chan struct{}),
	}
}

// Start creates every file in PXEFiles with mode 0644, group-owned by
// the admin group, containing Content, then launches the watch loop on
// its own goroutine. If any file fails to create, already-created
// files are unlinked and an error is returned without invoking the
// completion callback (spec.md §4.3 failure semantics).
func (w *Writer) Start() error {
	created := make([]string, 0, len(w.PXEFiles))
	for _, path := range w.PXEFiles {
		if err := writeFile(path, w.Content, w.adminGID); err != nil {
			for _, p := range created {
				os.Remove(p)
			}
			close(w.stopped)
			return fmt.Errorf("writer: create %q: %w", path, err)
		}
		created = append(created, path)
	}

	w.mu.Lock()
	w.st = stateActive
	w.mu.Unlock()

	go w.watchLoop()
	return nil
}

func writeFile(path, content string, gid int) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err
	}
	if gid >= 0 {
		if err := os.Chown(path, -1, gid); err != nil {
			return err
		}
	}
	return os.Chmod(path, 0o644)
}

// Stop requests termination. Idempotent and safe to call from any
// goroutine; observed by the watch loop within watchTimeout.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Stopped returns a channel closed once the writer has reached DONE.
func (w *Writer) Stopped() <-chan struct{} {
	return w.stopped
}

// Wait blocks until the writer reaches DONE or timeout elapses,
// reporting whether it finished in time. Used by the registry's
// replacement protocol (spec.md §4.4).
func (w *Writer) Wait(timeout time.Duration) bool {
	select {
	case <-w.stopped:
		return true
	case <-time.After(timeout):
		return false
	}
}

// watchLoop polls an inotify fd for IN_CLOSE_NOWRITE on any of the
// writer's files, bounding each poll at watchTimeout so a pending
// Stop() is always observed promptly (spec.md §4.3).
func (w *Writer) watchLoop() {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		w.cleanup()
		return
	}
	defer unix.Close(fd)

	watches := make(map[int32]string, len(w.PXEFiles))
	for _, path := range w.PXEFiles {
		wd, err := unix.InotifyAddWatch(fd, path, unix.IN_CLOSE_NOWRITE)
		if err != nil {
			w.cleanup()
			return
		}
		watches[int32(wd)] = path
	}

	buf := make([]byte, 4096)
	pollMillis := int(watchTimeout / time.Millisecond)
	for {
		select {
		case <-w.stopCh:
			w.cleanup()
			return
		default:
		}

		pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfds, pollMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.cleanup()
			return
		}
		if n == 0 {
			continue // timeout: loop back and recheck stopCh
		}

		nr, err := unix.Read(fd, buf)
		if err != nil || nr <= 0 {
			continue
		}
		if eventMatchesWatch(buf[:nr], watches) {
			w.fire()
			return
		}
	}
}

// eventMatchesWatch scans a buffer of raw inotify_event structs for a
// watch descriptor this writer owns.
func eventMatchesWatch(buf []byte, watches map[int32]string) bool {
	off := 0
	const headerSize = unix.SizeofInotifyEvent
	for off+headerSize <= len(buf) {
		wd := int32(le32(buf[off : off+4]))
		nameLen := int(le32(buf[off+8 : off+12]))
		if _, ok := watches[wd]; ok {
			return true
		}
		off += headerSize + nameLen
	}
	return false
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (w *Writer) fire() {
	w.mu.Lock()
	w.st = stateFiring
	w.mu.Unlock()

	if w.onComplete != nil {
		func() {
			defer func() { recover() }()
			w.onComplete(w)
		}()
	}

	w.cleanup()
}

func (w *Writer) cleanup() {
	w.mu.Lock()
	if w.st == stateCleanup || w.st == stateDone {
		w.mu.Unlock()
		return
	}
	w.st = stateCleanup
	w.mu.Unlock()

	for _, path := range w.PXEFiles {
		os.Remove(path)
	}

	w.mu.Lock()
	w.st = stateDone
	w.mu.Unlock()

	select {
	case <-w.stopped:
	default:
		close(w.stopped)
	}
}

// HasPath reports whether path is one of this writer's files.
func (w *Writer) HasPath(path string) bool {
	for _, p := range w.PXEFiles {
		if p == path {
			return true
		}
	}
	return false
}
