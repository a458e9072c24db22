package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Upload copies a local file or directory tree to remotePath over SFTP.
// File modes are preserved and missing remote directories are created.
func (c *SSHClient) Upload(ctx context.Context, localPath, remotePath string) (*FileTransferResult, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("failed to stat local path: %w", err)}
	}

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	res := &FileTransferResult{StartedAt: time.Now()}
	log.Debug().Str("local", localPath).Str("remote", remotePath).Bool("dir", info.IsDir()).Msg("uploading")

	if info.IsDir() {
		err = uploadTree(ctx, sftpClient, localPath, remotePath, res)
	} else {
		err = uploadFile(ctx, sftpClient, localPath, remotePath, info.Mode().Perm(), res)
	}

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	if err != nil {
		return res, &TransportError{Op: "upload", Err: err, IsTemporary: !errors.Is(err, context.Canceled)}
	}

	log.Info().
		Str("remote", remotePath).
		Int("files", res.Files).
		Int64("bytes", res.BytesTransferred).
		Dur("duration", res.Duration).
		Msg("upload complete")
	return res, nil
}

// Download copies a single remote file to localPath.
func (c *SSHClient) Download(ctx context.Context, remotePath, localPath string) (*FileTransferResult, error) {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	res := &FileTransferResult{StartedAt: time.Now()}

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "download", Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, &TransportError{Op: "download", Err: err}
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return nil, &TransportError{Op: "download", Err: fmt.Errorf("failed to create local file: %w", err)}
	}
	defer localFile.Close()

	n, err := copyWithContext(ctx, localFile, remoteFile)
	res.BytesTransferred = n
	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	if err != nil {
		return res, &TransportError{Op: "download", Err: err, IsTemporary: true}
	}
	res.Files = 1
	return res, nil
}

func (c *SSHClient) newSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

func uploadFile(ctx context.Context, client *sftp.Client, localPath, remotePath string, mode fs.FileMode, res *FileTransferResult) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	remoteFile, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer remoteFile.Close()

	n, err := copyWithContext(ctx, remoteFile, localFile)
	res.BytesTransferred += n
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", localPath, err)
	}

	if err := remoteFile.Chmod(mode); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", remotePath, err)
	}
	res.Files++
	return nil
}

func uploadTree(ctx context.Context, client *sftp.Client, localRoot, remoteRoot string, res *FileTransferResult) error {
	return filepath.WalkDir(localRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localRoot, p)
		if err != nil {
			return err
		}
		target := path.Join(remoteRoot, filepath.ToSlash(rel))

		if d.IsDir() {
			return client.MkdirAll(target)
		}
		if !d.Type().IsRegular() {
			log.Debug().Str("path", p).Msg("skipping non-regular file")
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return uploadFile(ctx, client, p, target, info.Mode().Perm(), res)
	})
}

// copyWithContext copies src to dst, checking for cancellation between chunks.
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
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}
