// Package rtserver implements the external-collaborator boundary from
// spec.md §4.5: an accept loop that receives a Hello, writes the shipped
// binary to an executable temp path, and execs it in slave mode with the
// connection's socket inherited at fd 3.
//
// This is explicitly out of the core library's scope (spec.md §1's "Out of
// scope" list names the server loop as an external collaborator whose
// interface only is specified), so it lives in its own package rather than
// inside the root remotethread package, and is driven by cmd/remotethread-server.
package rtserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/janneku/remotethread/common"
	"github.com/janneku/remotethread/rtio"
	"github.com/janneku/remotethread/rtproto"
)

// Server accepts connections and spawns slave replicas.
type Server struct {
	ln      net.Listener
	tempDir string
	sem     *semaphore.Weighted
	logger  common.Logger
}

// New wraps ln, bounding the number of concurrently-spawned slave children
// to maxConcurrent. The original server.c forks unboundedly per
// connection; that is the kind of unchecked behavior spec.md §9 flags
// alongside its other "possibly buggy" notes, so this implementation adds
// the bound the original lacks via golang.org/x/sync/semaphore.
func New(ln net.Listener, maxConcurrent int64) *Server {
	return &Server{
		ln:      ln,
		tempDir: os.TempDir(),
		sem:     semaphore.NewWeighted(maxConcurrent),
		logger:  common.Default,
	}
}

// Serve accepts connections until ctx is canceled or Accept fails. Canceling
// ctx closes the listener.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "rtserver: accept")
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			_ = conn.Close()
			return err
		}
		go func() {
			defer s.sem.Release(1)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	hello, err := rtproto.ReadHello(conn)
	if err != nil {
		s.logger.Warnf("rtserver: reading hello from %s failed: %s", conn.RemoteAddr(), err)
		return
	}

	binary := make([]byte, hello.BinaryLen)
	if err := rtio.ReadAll(conn, binary); err != nil {
		s.logger.Warnf("rtserver: reading binary from %s failed: %s", conn.RemoteAddr(), err)
		return
	}

	// os.CreateTemp rather than a literal "remotethread-<pid>" name: the
	// original server is one process per connection (fork), so its own
	// pid is naturally unique per slave; this server handles many
	// connections concurrently in one process, so the filename needs its
	// own per-connection uniqueness instead.
	f, err := os.CreateTemp(s.tempDir, "remotethread-*")
	if err != nil {
		s.logger.Warnf("rtserver: creating temp binary failed: %s", err)
		s.sendError(conn)
		return
	}
	path := f.Name()
	_, writeErr := f.Write(binary)
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		s.logger.Warnf("rtserver: writing temp binary %q failed: %v / %v", path, writeErr, closeErr)
		_ = os.Remove(path)
		s.sendError(conn)
		return
	}
	if err := os.Chmod(path, 0700); err != nil {
		s.logger.Warnf("rtserver: chmod %q failed: %s", path, err)
		_ = os.Remove(path)
		s.sendError(conn)
		return
	}

	if err := s.spawnSlave(conn, path); err != nil {
		s.logger.Warnf("rtserver: spawning slave for %s failed: %s", conn.RemoteAddr(), err)
		_ = os.Remove(path)
		s.sendError(conn)
		return
	}
}

// spawnSlave execs path with the slave sentinel and the connection's
// socket inherited as fd 3. exec.Cmd.ExtraFiles always assigns its first
// entry fd 3 in the child (0/1/2 are stdin/stdout/stderr), which is the Go
// idiom for handing a specific descriptor number to an exec'd child. It
// waits for the child to exit, so the caller's semaphore slot stays held for
// the slave's whole lifetime.
func (s *Server) spawnSlave(conn net.Conn, path string) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return errors.New("rtserver: connection is not a *net.TCPConn")
	}
	connFile, err := tc.File()
	if err != nil {
		return errors.Wrap(err, "rtserver: duplicating connection fd")
	}
	defer connFile.Close()

	cmd := exec.Command(path, rtproto.SlaveArg, fmt.Sprintf("%d", 3))
	cmd.ExtraFiles = []*os.File{connFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "rtserver: exec slave")
	}
	if err := cmd.Wait(); err != nil {
		s.logger.Debugf("rtserver: slave %s exited: %s", path, err)
	}
	return nil
}

func (s *Server) sendError(conn net.Conn) {
	_ = rtproto.WriteReply(conn, rtproto.Reply{Status: rtproto.StatusError, ReplyLen: 0})
}
