package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore is the opaque attachment storage port. The local filesystem
// implementation assumes atomic renames; an object-store implementation
// (content-addressed, write-once) can satisfy the same interface without
// changing the message engine (spec §6).
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

const MaxAttachmentSize = 25 * 1 << 20 // 25 MiB

// AllowedAttachmentContentTypes is the closed content-type allow-list (spec
// §6): PDF/Office, common images, common archives, JSON/XML/octet-stream.
var AllowedAttachmentContentTypes = map[string]struct{}{
	"application/pdf":    {},
	"application/msword":  {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
	"application/vnd.ms-excel": {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": {},
	"application/vnd.ms-powerpoint":                                     {},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {},
	"image/png":              {},
	"image/jpeg":              {},
	"image/gif":               {},
	"image/webp":              {},
	"application/zip":         {},
	"application/x-tar":       {},
	"application/gzip":        {},
	"application/json":        {},
	"application/xml":         {},
	"text/xml":                {},
	"application/octet-stream": {},
}

func IsAllowedAttachmentContentType(contentType string) bool {
	_, ok := AllowedAttachmentContentTypes[contentType]
	return ok
}

var attachmentPathReplacer = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_", `"`, "_", "<", "_", ">", "_", "|", "_", "\x00", "_",
)

// SanitizeAttachmentFilename replaces filesystem-unsafe characters in a
// user-supplied filename before it becomes part of a blob key (spec §6).
func SanitizeAttachmentFilename(filename string) string {
	return attachmentPathReplacer.Replace(filename)
}

// AttachmentKey builds the canonical blob key for an attachment of a
// message: messages/<messageId>/<uuid>_<sanitizedFilename>.
func AttachmentKey(messageID, uid, filename string) string {
	return fmt.Sprintf("messages/%s/%s_%s", messageID, uid, SanitizeAttachmentFilename(filename))
}

// LocalBlobStore is a filesystem-backed BlobStore using a write-to-temp,
// rename-into-place pattern so readers never observe a partial file.
type LocalBlobStore struct {
	root string
}

func NewLocalBlobStore(root string) *LocalBlobStore {
	return &LocalBlobStore{root: root}
}

func (l *LocalBlobStore) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	return filepath.Join(l.root, clean), nil
}

func (l *LocalBlobStore) Put(ctx context.Context, key string, r io.Reader) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (l *LocalBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (l *LocalBlobStore) Delete(ctx context.Context, key string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
