package adb

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

// syncChunkSize is the largest DATA payload the sync service accepts.
const syncChunkSize = 64 * 1024

// FileEntry is one entry of a remote directory listing.
type FileEntry struct {
	Name  string      `json:"name"`
	Mode  os.FileMode `json:"mode"`
	Size  uint32      `json:"size"`
	MTime time.Time   `json:"mtime"`
}

// IsDir reports whether the entry is a directory.
func (e FileEntry) IsDir() bool {
	return e.Mode.IsDir()
}

// syncConn is a socket switched to the sync: service. Requests are a 4-byte
// id, a little-endian uint32 length and the payload.
type syncConn struct {
	*conn
}

func (c *Client) openSync(ctx context.Context, serial string) (*syncConn, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := cn.request("host:transport:" + serial); err != nil {
		cn.Close()
		return nil, err
	}
	if err := cn.request("sync:"); err != nil {
		cn.Close()
		return nil, err
	}
	return &syncConn{conn: cn}, nil
}

func (s *syncConn) send(id string, data []byte) error {
	head := make([]byte, 8)
	copy(head, id)
	binary.LittleEndian.PutUint32(head[4:], uint32(len(data)))
	if _, err := s.Conn.Write(append(head, data...)); err != nil {
		return fmt.Errorf("sync %s: %w", id, err)
	}
	return nil
}

func (s *syncConn) sendUint(id string, v uint32) error {
	head := make([]byte, 8)
	copy(head, id)
	binary.LittleEndian.PutUint32(head[4:], v)
	if _, err := s.Conn.Write(head); err != nil {
		return fmt.Errorf("sync %s: %w", id, err)
	}
	return nil
}

func (s *syncConn) readID() (string, error) {
	var id [4]byte
	if _, err := io.ReadFull(s.r, id[:]); err != nil {
		return "", err
	}
	return string(id[:]), nil
}

func (s *syncConn) readUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(s.r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// readFail reads the message that follows a FAIL id.
func (s *syncConn) readFail() error {
	n, err := s.readUint32()
	if err != nil {
		return err
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(s.r, msg); err != nil {
		return err
	}
	return &FailError{Message: string(msg)}
}

func (s *syncConn) quit() {
	_ = s.sendUint("QUIT", 0)
	_ = s.Close()
}

// List returns the entries of the directory at path on the device. The
// "." and ".." entries are omitted.
func (c *Client) List(ctx context.Context, serial, path string) ([]FileEntry, error) {
	s, err := c.openSync(ctx, serial)
	if err != nil {
		return nil, err
	}
	defer s.quit()

	if err := s.send("LIST", []byte(path)); err != nil {
		return nil, err
	}

	entries := []FileEntry{}
	for {
		id, err := s.readID()
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", path, err)
		}
		switch id {
		case "DENT":
		case "DONE":
			return entries, nil
		case "FAIL":
			return nil, s.readFail()
		default:
			return nil, fmt.Errorf("list %s: unexpected sync response %q", path, id)
		}

		var head [16]byte
		if _, err := io.ReadFull(s.r, head[:]); err != nil {
			return nil, fmt.Errorf("list %s: %w", path, err)
		}
		mode := binary.LittleEndian.Uint32(head[0:])
		size := binary.LittleEndian.Uint32(head[4:])
		mtime := binary.LittleEndian.Uint32(head[8:])
		nameLen := binary.LittleEndian.Uint32(head[12:])
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(s.r, name); err != nil {
			return nil, fmt.Errorf("list %s: %w", path, err)
		}
		if string(name) == "." || string(name) == ".." {
			continue
		}
		entries = append(entries, FileEntry{
			Name:  string(name),
			Mode:  unixMode(mode),
			Size:  size,
			MTime: time.Unix(int64(mtime), 0),
		})
	}
}

// Push writes the contents of r to remotePath on the device with the given
// permission bits.
func (c *Client) Push(ctx context.Context, serial string, r io.Reader, remotePath string, perm os.FileMode, mtime time.Time) error {
	s, err := c.openSync(ctx, serial)
	if err != nil {
		return err
	}
	defer s.quit()

	dest := fmt.Sprintf("%s,%d", remotePath, uint32(perm.Perm())|0o100000)
	if err := s.send("SEND", []byte(dest)); err != nil {
		return err
	}

	buf := make([]byte, syncChunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := s.send("DATA", buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("push %s: %w", remotePath, rerr)
		}
	}
	if err := s.sendUint("DONE", uint32(mtime.Unix())); err != nil {
		return err
	}

	id, err := s.readID()
	if err != nil {
		return fmt.Errorf("push %s: %w", remotePath, err)
	}
	switch id {
	case "OKAY":
		_, err := s.readUint32()
		return err
	case "FAIL":
		return s.readFail()
	default:
		return fmt.Errorf("push %s: unexpected sync response %q", remotePath, id)
	}
}

// unixMode converts st_mode bits to an os.FileMode.
func unixMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0o777)
	switch m & 0o170000 {
	case 0o040000:
		mode |= os.ModeDir
	case 0o120000:
		mode |= os.ModeSymlink
	case 0o010000:
		mode |= os.ModeNamedPipe
	case 0o140000:
		mode |= os.ModeSocket
	case 0o020000:
		mode |= os.ModeDevice | os.ModeCharDevice
	case 0o060000:
		mode |= os.ModeDevice
	}
	return mode
}
