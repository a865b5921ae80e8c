package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// File is the immutable content of an upload. Content is read through
// independent section readers, so parts and replays never share offsets.
type File struct {
	Name     string
	Size     int64
	MimeType string
	Content  io.ReaderAt
}

// OpenFile opens a local regular file for upload. The caller closes the
// returned Closer once the task is done.
func OpenFile(path string) (File, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("upload: opening %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return File{}, nil, fmt.Errorf("upload: stat %s: %w", path, err)
	}

	if !info.Mode().IsRegular() {
		f.Close()
		return File{}, nil, fmt.Errorf("upload: %s is not a regular file", path)
	}

	return File{
		Name:     normalizeName(filepath.Base(path)),
		Size:     info.Size(),
		MimeType: mimeTypeFor(path),
		Content:  f,
	}, f, nil
}

// BytesFile wraps in-memory content as a File.
func BytesFile(name string, data []byte) File {
	return File{
		Name:     normalizeName(name),
		Size:     int64(len(data)),
		MimeType: mimeTypeFor(name),
		Content:  bytes.NewReader(data),
	}
}

// normalizeName converts a file name to NFC. macOS file systems hand out
// NFD names; the server compares names byte-wise.
func normalizeName(name string) string {
	return norm.NFC.String(name)
}

// mimeTypeFor guesses the media type from the extension, without
// parameters. Unknown extensions give "".
func mimeTypeFor(name string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if t == "" {
		return ""
	}

	mediaType, _, err := mime.ParseMediaType(t)
	if err != nil {
		return ""
	}

	return mediaType
}
