package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"dcs-spi-go/pkg/errors"
)

// maxCodeBody bounds the text accepted by /api/code
const maxCodeBody = 1 << 20

// maxUpload bounds an uploaded print file
const maxUpload = 512 << 20

// FileItem is one print file in a listing
type FileItem struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func readBody(r *http.Request) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCodeBody+1))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCommand, "cannot read request body")
	}
	if len(data) > maxCodeBody {
		return "", errors.New(errors.ErrCommand, "request body too large")
	}
	return string(data), nil
}

// registerPrintEndpoints adds print file management and job control
func (s *Server) registerPrintEndpoints(mux *http.ServeMux) {
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/api/print/start", s.handlePrintStart)
	mux.HandleFunc("/api/print/resume", s.handlePrintResume)
	mux.HandleFunc("/api/print/cancel", s.handlePrintCancel)
}

// printPath resolves name inside the print directory
func (s *Server) printPath(name string) (string, error) {
	if s.gcodes == "" {
		return "", errors.New(errors.ErrConfig, "no print directory configured")
	}
	if name == "" {
		return "", errors.New(errors.ErrCommand, "missing file name")
	}
	full := filepath.Join(s.gcodes, filepath.FromSlash(path.Clean("/"+filepath.ToSlash(name))))
	root, err := filepath.Abs(s.gcodes)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", errors.New(errors.ErrCommand, "path traversal detected")
	}
	return abs, nil
}

// ListFiles returns the print files below the print directory
func (s *Server) ListFiles() ([]FileItem, error) {
	if s.gcodes == "" {
		return nil, errors.New(errors.ErrConfig, "no print directory configured")
	}
	var files []FileItem
	err := filepath.WalkDir(s.gcodes, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(s.gcodes, p)
		if err != nil {
			return err
		}
		files = append(files, FileItem{
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// UploadFile stores data as name in the print directory
func (s *Server) UploadFile(name string, data io.Reader) (FileItem, error) {
	full, err := s.printPath(name)
	if err != nil {
		return FileItem{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return FileItem{}, err
	}

	tmp := full + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return FileItem{}, err
	}
	n, err := io.Copy(file, io.LimitReader(data, maxUpload+1))
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxUpload {
		err = errors.New(errors.ErrCommand, fmt.Sprintf("file larger than %d bytes", maxUpload))
	}
	if err != nil {
		os.Remove(tmp)
		return FileItem{}, err
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return FileItem{}, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return FileItem{}, err
	}
	s.logger.Info("Stored %s (%d bytes)", name, info.Size())
	return FileItem{Path: name, Size: info.Size(), Modified: info.ModTime()}, nil
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	switch r.Method {
	case http.MethodGet:
		files, err := s.ListFiles()
		if err != nil {
			s.writeJSONError(w, err)
			return
		}
		s.writeJSON(w, map[string]any{"files": files})

	case http.MethodPost:
		item, err := s.UploadFile(name, r.Body)
		if err != nil {
			s.writeJSONError(w, err)
			return
		}
		s.writeJSON(w, item)

	case http.MethodDelete:
		full, err := s.printPath(name)
		if err != nil {
			s.writeJSONError(w, err)
			return
		}
		if f := s.machine.Model().Job().File; f != nil && f.Path == name {
			s.writeJSONError(w, errors.New(errors.ErrCommand, "file is being printed"))
			return
		}
		if err := os.Remove(full); err != nil {
			s.writeJSONError(w, errors.Wrap(err, errors.ErrCommand, "cannot delete "+name))
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePrintStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.machine.Job().Start(r.URL.Query().Get("file")); err != nil {
		s.writeJSONError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrintResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.machine.Job().Resume(); err != nil {
		s.writeJSONError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrintCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.machine.Job().Cancel(); err != nil {
		s.writeJSONError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
