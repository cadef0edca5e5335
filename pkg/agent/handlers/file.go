package handlers

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/openfroyo/deployer/pkg/agent/protocol"
)

// defaultMaxRead bounds file.read when no limit is given.
const defaultMaxRead = 10 * 1024 * 1024

// FileWriteHandler handles file write operations.
type FileWriteHandler struct{}

// Handle writes content to a file through a temporary file and a rename.
func (h *FileWriteHandler) Handle(ctx context.Context, params *protocol.FileWriteParams, eventCh chan<- *protocol.EventMessage) (*protocol.FileWriteResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	mode := os.FileMode(0o644)
	if params.Mode != "" {
		m, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode: %w", err)
		}
		mode = os.FileMode(m)
	}

	result := &protocol.FileWriteResult{}

	info, err := os.Stat(params.Path)
	fileExists := err == nil
	if !fileExists && !params.Create {
		return nil, fmt.Errorf("file does not exist and create=false: %s", params.Path)
	}
	if fileExists && params.Mode == "" {
		mode = info.Mode().Perm()
	}

	if params.Backup && fileExists {
		backupPath := params.Path + ".bak"
		if err := copyFile(params.Path, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupPath = backupPath
	}

	content := []byte(params.Content)
	if err := WriteFileAtomic(params.Path, content, mode); err != nil {
		return nil, err
	}

	result.BytesWritten = int64(len(content))
	result.Created = !fileExists
	result.Checksum = fmt.Sprintf("%x", sha256.Sum256(content))
	return result, nil
}

// WriteFileAtomic writes data next to path and renames it into place.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpName, mode)
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// FileReadHandler handles file read operations.
type FileReadHandler struct{}

// Handle reads content from a file.
func (h *FileReadHandler) Handle(ctx context.Context, params *protocol.FileReadParams, eventCh chan<- *protocol.EventMessage) (*protocol.FileReadResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	info, err := os.Stat(params.Path)
	if err != nil {
		if params.MissingOK && errors.Is(err, fs.ErrNotExist) {
			return &protocol.FileReadResult{}, nil
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	maxBytes := params.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxRead
	}

	file, err := os.Open(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return &protocol.FileReadResult{
		Exists:    true,
		Content:   string(content),
		Size:      info.Size(),
		Mode:      fmt.Sprintf("%04o", info.Mode().Perm()),
		Checksum:  fmt.Sprintf("%x", sha256.Sum256(content)),
		Truncated: info.Size() > int64(len(content)),
	}, nil
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	sourceInfo, err := sourceFile.Stat()
	if err != nil {
		return err
	}

	destFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, sourceInfo.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(destFile, sourceFile); err != nil {
		destFile.Close()
		return err
	}
	return destFile.Close()
}
