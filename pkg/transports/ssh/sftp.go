package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
)

func (c *SSHClient) sftpClient() (*sftp.Client, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	return sc, nil
}

// Upload copies a local file to the remote host.
func (c *SSHClient) Upload(ctx context.Context, localPath, remotePath string, mode uint32) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer f.Close()

	if mode == 0 {
		info, err := f.Stat()
		if err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to stat local file: %w", err)}
		}
		mode = uint32(info.Mode().Perm())
	}
	return c.put(ctx, "upload", f, remotePath, mode)
}

// WriteFile writes data to the remote host.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, data []byte, mode uint32) error {
	return c.put(ctx, "write", bytes.NewReader(data), remotePath, mode)
}

// put streams src into a temporary sibling of remotePath and renames it into place,
// so readers never observe a partial file.
func (c *SSHClient) put(ctx context.Context, op string, src io.Reader, remotePath string, mode uint32) error {
	start := time.Now()

	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	tmp := path.Join(path.Dir(remotePath), fmt.Sprintf(".%s.%s.tmp", path.Base(remotePath), uuid.NewString()[:8]))
	dst, err := sc.Create(tmp)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}

	n, err := copyWithContext(ctx, dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err == nil && mode != 0 {
		err = sc.Chmod(tmp, os.FileMode(mode))
	}
	if err == nil {
		err = sc.PosixRename(tmp, remotePath)
	}
	if err != nil {
		_ = sc.Remove(tmp)
		return &TransportError{Op: op, Err: fmt.Errorf("failed to write %s: %w", remotePath, err), IsTemporary: ctx.Err() == nil}
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("File transferred")
	return nil
}

// ReadFile reads a remote file.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	f, err := sc.Open(remotePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remote file %s: %w", remotePath, fs.ErrNotExist)
		}
		return nil, &TransportError{Op: "read", Err: err, IsTemporary: true}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, &TransportError{Op: "read", Err: err, IsTemporary: ctx.Err() == nil}
	}
	return buf.Bytes(), nil
}

// Remove deletes a remote file.
func (c *SSHClient) Remove(ctx context.Context, remotePath string) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

// copyWithContext copies src to dst and stops between chunks once ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
