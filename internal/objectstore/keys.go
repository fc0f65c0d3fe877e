package objectstore

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/videolens/worker/internal/apperr"
)

// Object keys follow uploads/<userId>/<uploadId>/<name> for intermediates and
// results/<userId>/<uploadId>/<name> for reports. The uploadId grammar is the
// contract with the upload signer.
var (
	keyPattern      = regexp.MustCompile(`^(uploads|results)/([A-Za-z0-9_-]+)/(upload_[0-9]+_[A-Za-z0-9]+)/(.+)$`)
	uploadIDPattern = regexp.MustCompile(`^upload_[0-9]+_[A-Za-z0-9]+$`)
)

// ValidateKey reports whether key matches the object key grammar. Traversal
// sequences are rejected outright.
func ValidateKey(key string) bool {
	if strings.Contains(key, "..") {
		return false
	}
	return keyPattern.MatchString(key)
}

// ValidateUploadID reports whether id matches the uploadId grammar.
func ValidateUploadID(id string) bool {
	return uploadIDPattern.MatchString(id)
}

// VerifyOwnership checks that the userId embedded in the key matches the
// caller. A mismatch is a hard PermissionDenied.
func VerifyOwnership(key, userID string) error {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return apperr.Newf(apperr.KindInvalidArgument, "invalid object key %q", key)
	}
	if m[2] != userID {
		return apperr.New(apperr.KindPermissionDenied, "object key does not belong to caller")
	}
	return nil
}

// GenerateVideoKey builds the source video key, preserving the original file
// extension.
func GenerateVideoKey(userID, uploadID, fileName string) string {
	ext := path.Ext(fileName)
	if ext == "" {
		ext = ".mp4"
	}
	return fmt.Sprintf("uploads/%s/%s/source%s", userID, uploadID, ext)
}

// GenerateAudioKey builds the intermediate audio key.
func GenerateAudioKey(userID, uploadID string) string {
	return fmt.Sprintf("uploads/%s/%s/audio.mp3", userID, uploadID)
}

// GenerateResultKey builds the report key.
func GenerateResultKey(userID, uploadID string) string {
	return fmt.Sprintf("results/%s/%s/report.xlsx", userID, uploadID)
}
