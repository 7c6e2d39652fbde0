// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/egret/messaging"
)

// mediaDomainKey keys BLAKE3 so media digests never collide with
// hashes computed for other purposes over the same bytes.
var mediaDomainKey = [32]byte{
	'e', 'g', 'r', 'e', 't', '.', 'm', 'e', 'd', 'i', 'a', 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// errMalformedImage marks image events missing required metadata. They
// are skipped, not failed.
var errMalformedImage = errors.New("image event is missing metadata")

// imageSource is the validated metadata of an m.image event.
type imageSource struct {
	URL      string
	FileName string
	MimeType string

	// File is set for attachments in encrypted rooms; URL then points
	// at the ciphertext.
	File *messaging.EncryptedFile
}

func imageSourceOf(content messaging.MessageContent) (imageSource, error) {
	source := imageSource{
		URL:      content.MediaURL(),
		FileName: content.FileName,
		MimeType: content.MimeType(),
		File:     content.File,
	}
	// Older clients put the file name in body and omit filename.
	if source.FileName == "" {
		source.FileName = content.Body
	}
	var missing []string
	if source.MimeType == "" {
		missing = append(missing, "mimetype")
	}
	if source.FileName == "" {
		missing = append(missing, "filename")
	}
	if !strings.HasPrefix(source.URL, "mxc://") {
		missing = append(missing, "mxc url")
	}
	if len(missing) > 0 {
		return imageSource{}, fmt.Errorf("%w: %s", errMalformedImage, strings.Join(missing, ", "))
	}
	if _, err := messaging.ParseContentURI(source.URL); err != nil {
		return imageSource{}, fmt.Errorf("%w: %v", errMalformedImage, err)
	}
	return source, nil
}

// ArtifactName returns the file name an image is stored under: room,
// sender, event ID and timestamp joined by "-", each escaped by
// escapeComponent, followed by an extension. escapeComponent encodes
// "-", so the components stay separable.
func ArtifactName(event messaging.Event, timestamp time.Time, fileName, mimeType string) string {
	return strings.Join([]string{
		escapeComponent(event.RoomID.String()),
		escapeComponent(event.Sender.String()),
		escapeComponent(event.EventID.String()),
		timestamp.UTC().Format("20060102T150405.000Z"),
	}, "-") + extensionFor(fileName, mimeType)
}

// escapeComponent keeps [A-Za-z0-9._] and percent-encodes every other
// byte. A leading dot is encoded so no name is hidden.
func escapeComponent(component string) string {
	var builder strings.Builder
	for i := 0; i < len(component); i++ {
		c := component[i]
		safe := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '.' || c == '_'
		if safe && !(c == '.' && i == 0) {
			builder.WriteByte(c)
			continue
		}
		fmt.Fprintf(&builder, "%%%02X", c)
	}
	return builder.String()
}

// Extensions for the image types clients commonly send, so the result
// does not depend on the host's MIME tables.
var imageExtensions = map[string]string{
	"image/jpeg":    ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/avif":    ".avif",
	"image/heic":    ".heic",
	"image/svg+xml": ".svg",
	"image/bmp":     ".bmp",
	"image/tiff":    ".tiff",
}

// extensionFor prefers the declared file name's extension and falls
// back to the MIME type. Unusable extensions become ".bin".
func extensionFor(fileName, mimeType string) string {
	if extension := strings.ToLower(filepath.Ext(fileName)); validExtension(extension) {
		return extension
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ".bin"
	}
	if extension, ok := imageExtensions[mediaType]; ok {
		return extension
	}
	if extensions, err := mime.ExtensionsByType(mediaType); err == nil && len(extensions) > 0 && validExtension(extensions[0]) {
		return extensions[0]
	}
	return ".bin"
}

func validExtension(extension string) bool {
	if len(extension) < 2 || len(extension) > 10 || extension[0] != '.' {
		return false
	}
	for _, c := range extension[1:] {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// savedMedia describes a persisted artifact.
type savedMedia struct {
	Path        string
	Size        int64
	Digest      string
	ContentType string
}

// download fetches source into the media directory under name. The
// content goes to a temporary file first and is renamed into place
// only once complete, so a failed download never leaves a partial
// artifact. Plaintext media is streamed; encrypted media is buffered
// because its hash must be checked before any of it is trusted.
func (r *Router) download(ctx context.Context, name string, source imageSource) (savedMedia, error) {
	if source.File != nil && r.crypto == nil {
		return savedMedia{}, fmt.Errorf("%s is encrypted and no decryption is configured", source.URL)
	}
	if err := os.MkdirAll(r.mediaDir, 0o755); err != nil {
		return savedMedia{}, fmt.Errorf("creating media directory: %w", err)
	}
	temporary, err := os.CreateTemp(r.mediaDir, ".download-*")
	if err != nil {
		return savedMedia{}, fmt.Errorf("creating temporary file: %w", err)
	}
	temporaryPath := temporary.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			temporary.Close()
			os.Remove(temporaryPath)
		}
	}()

	hasher, err := blake3.NewKeyed(mediaDomainKey[:])
	if err != nil {
		return savedMedia{}, err
	}
	sink := io.MultiWriter(temporary, hasher)

	var result messaging.DownloadResult
	if source.File == nil {
		result, err = r.session.DownloadMedia(ctx, source.URL, sink)
		if err != nil {
			return savedMedia{}, fmt.Errorf("downloading %s: %w", source.URL, err)
		}
	} else {
		var ciphertext bytes.Buffer
		result, err = r.session.DownloadMedia(ctx, source.URL, &ciphertext)
		if err != nil {
			return savedMedia{}, fmt.Errorf("downloading %s: %w", source.URL, err)
		}
		data := ciphertext.Bytes()
		if err := r.crypto.DecryptAttachment(*source.File, data); err != nil {
			return savedMedia{}, err
		}
		if _, err := sink.Write(data); err != nil {
			return savedMedia{}, fmt.Errorf("writing %s: %w", temporaryPath, err)
		}
		// The server only ever sees ciphertext.
		result.ContentType = source.MimeType
	}

	if err := temporary.Sync(); err != nil {
		return savedMedia{}, fmt.Errorf("syncing %s: %w", temporaryPath, err)
	}
	if err := temporary.Close(); err != nil {
		return savedMedia{}, fmt.Errorf("closing %s: %w", temporaryPath, err)
	}
	finalPath := filepath.Join(r.mediaDir, name)
	if err := os.Rename(temporaryPath, finalPath); err != nil {
		return savedMedia{}, fmt.Errorf("renaming into place: %w", err)
	}
	succeeded = true

	return savedMedia{
		Path:        finalPath,
		Size:        result.Size,
		Digest:      hex.EncodeToString(hasher.Sum(nil)),
		ContentType: result.ContentType,
	}, nil
}

func timeFromMillis(milliseconds int64) time.Time {
	return time.UnixMilli(milliseconds).UTC()
}
