package ingester

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Receipt describes a stored upload.
type Receipt struct {
	UploadedFileID uint       `json:"uploaded_file_id"`
	Status         FileStatus `json:"status"`
	StoredPath     string     `json:"stored_path,omitempty"`
	ContentHash    string     `json:"content_hash"`
	DuplicateFile  bool       `json:"duplicate_file"`
}

// rename is swapped in tests to force the copy path of moveIntoStore.
var rename = os.Rename

// SaveUpload stores the bytes of src under dir with a generated name and
// queues them for ingestion as a pending record. Content that matches an
// already completed file is not stored again; the receipt points at the
// earlier record instead.
func SaveUpload(ctx context.Context, db *gorm.DB, dir, name string, src io.Reader) (*Receipt, error) {
	tmp, sum, err := stageUpload(dir, src)
	if err != nil {
		return nil, err
	}
	if prev, err := completedByHash(ctx, db, sum, 0); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	} else if prev != nil {
		_ = os.Remove(tmp)
		return duplicateReceipt(prev, sum), nil
	}
	dst, err := commitUpload(dir, tmp, name)
	if err != nil {
		return nil, err
	}
	return enqueue(ctx, db, dst, name, sum)
}

// ImportFile queues a file already on disk. With move set, the file is
// moved into dir; otherwise its bytes are copied.
func ImportFile(ctx context.Context, db *gorm.DB, dir, srcPath string, move bool) (*Receipt, error) {
	if !move {
		f, err := os.Open(srcPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, srcPath)
		}
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return SaveUpload(ctx, db, dir, filepath.Base(srcPath), f)
	}

	sum, err := fileDigest(srcPath)
	if err != nil {
		return nil, err
	}
	if prev, err := completedByHash(ctx, db, sum, 0); err != nil {
		return nil, err
	} else if prev != nil {
		return duplicateReceipt(prev, sum), nil
	}
	dst, err := moveIntoStore(dir, srcPath)
	if err != nil {
		return nil, err
	}
	return enqueue(ctx, db, dst, filepath.Base(srcPath), sum)
}

func duplicateReceipt(prev *UploadedFile, sum string) *Receipt {
	return &Receipt{UploadedFileID: prev.ID, Status: prev.Status, ContentHash: sum, DuplicateFile: true}
}

// storedName is the generated file name an upload is kept under. The
// original extension survives; the original name lives on the record.
func storedName(name string) string {
	return uuid.NewString() + filepath.Ext(name)
}

// stageUpload writes src to a hidden temp file in dir and returns its path
// with the SHA-256 of what was written.
func stageUpload(dir string, src io.Reader) (string, string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", "", fmt.Errorf("upload dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", "", err
	}
	h := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(tmp, h), src)
	if err := errors.Join(copyErr, tmp.Close()); err != nil {
		_ = os.Remove(tmp.Name())
		return "", "", fmt.Errorf("store upload: %w", err)
	}
	return tmp.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

// commitUpload gives a staged file its stored name.
func commitUpload(dir, tmp, name string) (string, error) {
	dst := filepath.Join(dir, storedName(name))
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("store upload: %w", err)
	}
	return dst, nil
}

// moveIntoStore moves srcPath into the upload dir under its stored name.
// When the rename fails, as it does across filesystems, the bytes are
// staged in the upload dir instead and srcPath is removed once they are.
func moveIntoStore(dir, srcPath string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("upload dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, storedName(srcPath))
	if err := rename(srcPath, dst); err == nil {
		return dst, nil
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	tmp, _, err := stageUpload(dir, in)
	in.Close()
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("store upload: %w", err)
	}
	if err := os.Remove(srcPath); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("remove moved upload %s: %w", srcPath, err)
	}
	return dst, nil
}

// completedByHash returns the oldest completed record, other than exclude,
// whose content hash is sum. It returns nil when there is none.
func completedByHash(ctx context.Context, db *gorm.DB, sum string, exclude uint) (*UploadedFile, error) {
	var prev UploadedFile
	err := db.WithContext(ctx).
		Where("file_hash = ? AND status = ? AND id <> ?", sum, StatusCompleted, exclude).
		Order("id asc").
		First(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup file hash: %w", err)
	}
	return &prev, nil
}

func enqueue(ctx context.Context, db *gorm.DB, path, name, sum string) (*Receipt, error) {
	rec := UploadedFile{
		FilePath:    path,
		Name:        name,
		ContentHash: sum,
		Status:      StatusPending,
	}
	if err := db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("create upload record: %w", err)
	}
	return &Receipt{UploadedFileID: rec.ID, Status: rec.Status, StoredPath: path, ContentHash: sum}, nil
}
