package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
)

func (c *Client) sftpClient(op string) (*sftp.Client, error) {
	client, err := c.sshClient(op)
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	return sc, nil
}

// Upload copies a local file to remotePath, creating parent directories.
// A zero mode keeps the server default.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	start := time.Now()

	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer local.Close()

	sc, err := c.sftpClient("upload")
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}
	remote, err := sc.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer remote.Close()

	n, err := copyWithContext(ctx, remote, local)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}
	if mode != 0 {
		if err := sc.Chmod(remotePath, mode); err != nil {
			c.logger.Warn().Err(err).Str("remote", remotePath).Msg("Failed to set file permissions")
		}
	}

	c.logger.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("File uploaded")
	return nil
}

// Download copies remotePath to a local file, creating parent directories.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	start := time.Now()

	sc, err := c.sftpClient("download")
	if err != nil {
		return err
	}
	defer sc.Close()

	remote, err := sc.Open(remotePath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer remote.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local directory: %w", err)}
	}
	local, err := os.Create(localPath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local file: %w", err)}
	}
	defer local.Close()

	n, err := copyWithContext(ctx, local, remote)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("File downloaded")
	return nil
}

// Remove deletes a remote file. Missing files are not an error.
func (c *Client) Remove(_ context.Context, remotePath string) error {
	sc, err := c.sftpClient("remove")
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

// copyWithContext copies in chunks and stops between chunks once ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
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
