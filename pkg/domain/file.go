package domain

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

// ReadFile loads a local file for upload. The MIME type comes from the
// extension, or from the content when the extension is unknown.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading attachment: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return File{Name: filepath.Base(path), MIMEType: mimeType, Data: data}, nil
}
