package recorder

import (
	"archive/tar"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/shehryarbajwa/companion/internal/apperr"
	"github.com/shehryarbajwa/companion/pkg/models"
)

// Export writes a tar.gz archive of every recording file of a session
func (m *Manager) Export(w io.Writer, sessionID string) error {
	recordings, err := m.ListRecordings()
	if err != nil {
		return err
	}

	var names []string
	for _, rec := range recordings {
		if rec.SessionID == sessionID {
			names = append(names, rec.Filename)
		}
	}
	if len(names) == 0 {
		return apperr.NotFound("recording", sessionID)
	}

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	for _, name := range names {
		if err := addFile(tarWriter, filepath.Join(m.dir, name)); err != nil {
			tarWriter.Close()
			gzWriter.Close()
			return fmt.Errorf("failed to archive %s: %w", name, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		gzWriter.Close()
		return err
	}
	return gzWriter.Close()
}

func addFile(tarWriter *tar.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, info.Name())
	if err != nil {
		return err
	}
	header.Name = info.Name()

	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	// A live recorder may append while we copy; stop at the size in the header.
	_, err = io.CopyN(tarWriter, file, info.Size())
	return err
}

// ReadFile parses a recording. Lines that fail to parse, such as a
// truncated final write, are skipped.
func ReadFile(path string) (*models.RecordingHeader, []models.RecordingEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var header *models.RecordingHeader
	var entries []models.RecordingEntry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if header == nil {
			var h models.RecordingHeader
			if err := json.Unmarshal(line, &h); err != nil || !h.Header {
				return nil, nil, fmt.Errorf("recording %s has no header", filepath.Base(path))
			}
			header = &h
			continue
		}
		var entry models.RecordingEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return header, entries, err
	}
	if header == nil {
		return nil, nil, fmt.Errorf("recording %s is empty", filepath.Base(path))
	}
	return header, entries, nil
}
