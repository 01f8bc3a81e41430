package filesystem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"sync"
	"time"
)

// Remote devices let a development host export images to a loader
// without sharing a disk. The wire format is one request per
// connection, all words little-endian: the client sends a name length
// word and the name, the server answers with a status word, a size
// word and the file bytes.

const (
	remoteOK uint32 = iota
	remoteNotFound
	remoteFailed
)

const (
	remoteTimeout   = 10 * time.Second
	remoteNameLimit = 0x400
	remoteSizeLimit = 1 << 26
)

var ErrRemoteProtocol = errors.New("remote protocol error")

type remoteFS struct {
	network string
	addr    string
}

// DialRemote returns a filesystem served by a RemoteServer at addr.
// Every open fetches the whole file over a fresh connection, so the
// returned files are seekable.
func DialRemote(network, addr string) FS {
	return &remoteFS{network: network, addr: addr}
}

func (r *remoteFS) Open(name string) (fs.File, error) {
	return r.OpenFile(name)
}

func (r *remoteFS) OpenFile(name string) (File, error) {
	data, err := r.fetch(name)
	if err != nil {
		return nil, err
	}
	return &file{fs: &staged{name: name, modTime: time.Now(), data: data}}, nil
}

func (r *remoteFS) Stat(name string) (fs.FileInfo, error) {
	f, err := r.OpenFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

func (r *remoteFS) fetch(name string) ([]byte, error) {
	if len(name) == 0 || len(name) > remoteNameLimit {
		return nil, fs.ErrInvalid
	}
	conn, err := net.DialTimeout(r.network, r.addr, remoteTimeout)
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", r.addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(remoteTimeout))

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], uint32(len(name)))
	if _, err := conn.Write(word[:]); err != nil {
		return nil, fmt.Errorf("remote %s: %w", name, err)
	}
	if _, err := io.WriteString(conn, name); err != nil {
		return nil, fmt.Errorf("remote %s: %w", name, err)
	}

	var head [8]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return nil, fmt.Errorf("remote %s: %w", name, err)
	}
	size := binary.LittleEndian.Uint32(head[4:])
	switch status := binary.LittleEndian.Uint32(head[:4]); status {
	case remoteOK:
	case remoteNotFound:
		return nil, fs.ErrNotExist
	case remoteFailed:
		return nil, fmt.Errorf("remote %s: read failed", name)
	default:
		return nil, fmt.Errorf("remote %s: %w", name, ErrRemoteProtocol)
	}
	if size > remoteSizeLimit {
		return nil, fmt.Errorf("remote %s: %w", name, ErrRemoteProtocol)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, fmt.Errorf("remote %s: %w", name, err)
	}
	return data, nil
}

// RemoteServer exports a filesystem to remote loaders.
type RemoteServer struct {
	fsys  FS
	l     net.Listener
	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// ServeRemote answers file requests on l from fsys until Close.
func ServeRemote(l net.Listener, fsys FS) *RemoteServer {
	s := &RemoteServer{fsys: fsys, l: l, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.serve()
	return s
}

func (s *RemoteServer) Addr() net.Addr {
	return s.l.Addr()
}

func (s *RemoteServer) Close() error {
	err := s.l.Close()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *RemoteServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *RemoteServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	conn.SetDeadline(time.Now().Add(remoteTimeout))

	var word [4]byte
	if _, err := io.ReadFull(conn, word[:]); err != nil {
		return
	}
	n := binary.LittleEndian.Uint32(word[:])
	if n == 0 || n > remoteNameLimit {
		return
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(conn, name); err != nil {
		return
	}
	s.reply(conn, string(name))
}

func (s *RemoteServer) reply(conn net.Conn, name string) {
	f, err := s.fsys.OpenFile(name)
	if err != nil {
		status := remoteFailed
		if errors.Is(err, fs.ErrNotExist) {
			status = remoteNotFound
		}
		writeHead(conn, status, 0)
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil || len(data) > remoteSizeLimit {
		writeHead(conn, remoteFailed, 0)
		return
	}
	if writeHead(conn, remoteOK, uint32(len(data))) == nil {
		conn.Write(data)
	}
}

func writeHead(conn net.Conn, status, size uint32) error {
	var head [8]byte
	binary.LittleEndian.PutUint32(head[:4], status)
	binary.LittleEndian.PutUint32(head[4:], size)
	_, err := conn.Write(head[:])
	return err
}
