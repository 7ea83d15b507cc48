package proofcheck

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TrailMarkLabs/wanderquest/backend/internal/serviceerror"
)

const (
	opStoreNew  = "proofcheck.store.new"
	opStoreSave = "proofcheck.store.save"

	reasonMissingRoot     = "missing_root"
	reasonInvalidFilename = "invalid_filename"
	reasonWriteFailed     = "write_failed"
)

// MaxImageBytes caps a single proof upload.
const MaxImageBytes = 10 << 20

var allowedImageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
}

// ErrUnsupportedImageType indicates an upload with a disallowed extension.
var ErrUnsupportedImageType = errors.New("proofcheck: unsupported image type")

// ImageStoreConfig configures the proof image store.
type ImageStoreConfig struct {
	Root  string
	Clock func() time.Time
}

// ImageStore writes proof images under a directory shared with the analyzer.
// Stored paths are relative to the root so the analyzer can resolve them
// against its own mount.
type ImageStore struct {
	root  string
	clock func() time.Time
}

// NewImageStore constructs the store and ensures the root directory exists.
func NewImageStore(cfg ImageStoreConfig) (*ImageStore, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, serviceerror.New(opStoreNew, reasonMissingRoot, errors.New("image root is required"))
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, serviceerror.New(opStoreNew, reasonWriteFailed, err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ImageStore{root: root, clock: clock}, nil
}

// Save streams the upload to
// {root}/{challenge_id}/{participant_id}/{waypoint}_{unix}_{name} and returns
// the path relative to the root. The waypoint/timestamp prefix keeps repeat
// submissions from overwriting each other.
func (s *ImageStore) Save(challengeID, participantID string, waypointIndex int, filename string, reader io.Reader) (string, error) {
	cleanName, err := sanitizeFilename(filename)
	if err != nil {
		return "", serviceerror.New(opStoreSave, reasonInvalidFilename, err)
	}

	directory := filepath.Join(s.root, challengeID, participantID)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return "", serviceerror.New(opStoreSave, reasonWriteFailed, err)
	}

	stored := fmt.Sprintf("%d_%d_%s", waypointIndex, s.clock().UTC().Unix(), cleanName)
	fullPath := filepath.Join(directory, stored)

	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", serviceerror.New(opStoreSave, reasonWriteFailed, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, io.LimitReader(reader, MaxImageBytes)); err != nil {
		return "", serviceerror.New(opStoreSave, reasonWriteFailed, err)
	}

	return filepath.ToSlash(filepath.Join(challengeID, participantID, stored)), nil
}

// sanitizeFilename strips any path components and enforces the extension
// whitelist.
func sanitizeFilename(filename string) (string, error) {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", errors.New("empty filename")
	}
	base = strings.ReplaceAll(base, " ", "_")
	extension := strings.ToLower(filepath.Ext(base))
	if _, ok := allowedImageExtensions[extension]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedImageType, extension)
	}
	return base, nil
}
