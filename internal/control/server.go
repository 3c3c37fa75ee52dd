package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/opsiorg/opsipxeconfd/internal/pxetemplate"
	"github.com/opsiorg/opsipxeconfd/internal/registry"
	"github.com/opsiorg/opsipxeconfd/internal/secret"
	"github.com/opsiorg/opsipxeconfd/internal/update"
)

// acceptTimeout bounds how long Accept blocks before the loop rechecks
// for a shutdown request (spec.md §4.7: "short receive timeout (≈100ms)
// so the loop can observe shutdown").
const acceptTimeout = 100 * time.Millisecond

// maxCommandSize is the per-connection read limit (spec.md §4.7: "receive
// up to 4 KiB").
const maxCommandSize = 4096

// errorPrefix marks a malformed-or-failed reply (spec.md §4.7).
const errorPrefix = "(ERROR)"

// Server is the control socket listener (component C6).
type Server struct {
	socketPath string
	adminGroup string
	writers    *registry.Registry
	conns      *ConnectionRegistry
	pipeline   *update.Pipeline

	mu       sync.Mutex
	listener *net.UnixListener
	stopCh   chan struct{}
	stopOnce sync.Once

	// StopRequested is closed when a `stop` command is received, signaling
	// the daemon (C9) to begin shutdown.
	StopRequested chan struct{}
}

// New constructs a Server bound to socketPath (not yet listening).
func New(socketPath, adminGroup string, writers *registry.Registry, pipeline *update.Pipeline) *Server {
	return &Server{
		socketPath:    socketPath,
		adminGroup:    adminGroup,
		writers:       writers,
		conns:         NewConnectionRegistry(),
		pipeline:      pipeline,
		stopCh:        make(chan struct{}),
		StopRequested: make(chan struct{}),
	}
}

// Listen creates the unix socket, applying the ownership/permission
// rules of spec.md §4.7, and begins the accept loop on a new goroutine.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale socket %q: %w", s.socketPath, err)
	}

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: resolve %q: %w", s.socketPath, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("control: listen on %q: %w", s.socketPath, err)
	}

	if err := applySocketOwnership(s.socketPath, s.adminGroup); err != nil {
		ln.Close()
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.acceptLoop()
	return nil
}

// applySocketOwnership implements spec.md §4.7's chmod/chown rules for
// the socket file and, if its parent directory is named "opsipxeconfd",
// for that directory too.
func applySocketOwnership(socketPath, adminGroup string) error {
	if err := os.Chmod(socketPath, 0o660); err != nil {
		return fmt.Errorf("control: chmod %q: %w", socketPath, err)
	}
	gid := -1
	if adminGroup != "" {
		if g, err := user.LookupGroup(adminGroup); err == nil {
			if n, err := strconv.Atoi(g.Gid); err == nil {
				gid = n
			}
		}
	}
	if gid >= 0 {
		if err := os.Chown(socketPath, -1, gid); err != nil {
			return fmt.Errorf("control: chown %q: %w", socketPath, err)
		}
	}

	dir := filepath.Dir(socketPath)
	if filepath.Base(dir) == "opsipxeconfd" {
		if err := os.Chmod(dir, 0o770); err != nil {
			return fmt.Errorf("control: chmod %q: %w", dir, err)
		}
		if gid >= 0 {
			if err := os.Chown(dir, -1, gid); err != nil {
				return fmt.Errorf("control: chown %q: %w", dir, err)
			}
		}
	}
	return nil
}

func (s *Server) acceptLoop() {
	for {
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln == nil {
			return
		}

		ln.SetDeadline(time.Now().Add(acceptTimeout))
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-s.stopCh:
					return
				default:
					continue
				}
			}
			select {
			case <-s.stopCh:
				return
			default:
				secret.Logf("[Control] accept: %v", err)
				continue
			}
		}

		c := s.conns.Open()
		go s.handle(conn, c.ID)
	}
}

func (s *Server) handle(conn net.Conn, connID int64) {
	defer s.conns.Close(connID)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, maxCommandSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return
	}

	reply := s.dispatch(string(buf[:n]))
	w := bufio.NewWriter(conn)
	w.WriteString(reply)
	w.Flush()
}

// dispatch parses and runs a single command line (spec.md §4.7). Panics
// from the handler are caught and surfaced as an (ERROR) reply.
func (s *Server) dispatch(line string) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			reply = fmt.Sprintf("%s %v", errorPrefix, r)
		}
	}()

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return fmt.Sprintf("%s empty command", errorPrefix)
	}
	cmd := fields[0]

	parser := shellwords.NewParser()
	args, err := parser.Parse(strings.TrimSpace(line[len(cmd):]))
	if err != nil {
		return fmt.Sprintf("%s malformed arguments: %v", errorPrefix, err)
	}

	switch cmd {
	case "stop":
		s.requestStop()
		return "opsipxeconfd is going down"

	case "status":
		return s.statusText()

	case "update":
		if len(args) != 1 {
			return fmt.Sprintf("%s update requires exactly one host id", errorPrefix)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		result, err := s.pipeline.Run(ctx, args[0])
		if err != nil {
			return fmt.Sprintf("%s %v", errorPrefix, err)
		}
		return result

	case "remove":
		if len(args) != 1 {
			return fmt.Sprintf("%s remove requires exactly one host id", errorPrefix)
		}
		result, err := s.pipeline.Remove(args[0])
		if err != nil {
			return fmt.Sprintf("%s %v", errorPrefix, err)
		}
		return result

	default:
		return fmt.Sprintf("%s unknown command %q", errorPrefix, cmd)
	}
}

func (s *Server) requestStop() {
	s.stopOnce.Do(func() { close(s.StopRequested) })
}

// statusText renders the status report of spec.md §4.7.1.
func (s *Server) statusText() string {
	var sb strings.Builder
	sb.WriteString("opsipxeconfd status:\n")

	conns := s.conns.Snapshot()
	fmt.Fprintf(&sb, "%d control connection(s) established\n", len(conns))
	for i, c := range conns {
		fmt.Fprintf(&sb, "    Connection %d established at: %s\n", i+1, c.StartTime.Format(time.ANSIC))
	}

	sb.WriteString("\n")
	writers := s.writers.Snapshot()
	fmt.Fprintf(&sb, "%d boot configuration(s) set\n", len(writers))
	for _, w := range writers {
		fmt.Fprintf(&sb, "Boot config for client '%s' (path: %s; configuration: %s) set since %s\n",
			w.HostID, strings.Join(w.PXEFiles, ", "), formatAppend(w.Append), w.StartTime.Format(time.ANSIC))
	}
	return sb.String()
}

func formatAppend(params pxetemplate.Params) string {
	parts := make([]string, 0, len(params))
	for _, kv := range params {
		if kv.Value == "" {
			parts = append(parts, kv.Key)
		} else {
			parts = append(parts, kv.Key+"="+kv.Value)
		}
	}
	return strings.Join(parts, " ")
}

// Close stops the accept loop and closes the listening socket, which
// unblocks any in-progress Accept (spec.md §4.9 step 3).
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}
