package handler

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/satimage/compositor/internal/api/response"
)

// NewDownloadHandler serves GET /api/download/{file}, streaming one raster
// from the output directory. Only bare filenames are accepted.
func NewDownloadHandler(outputDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "file")
		if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid file name")
			return
		}

		path := filepath.Join(outputDir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			response.Error(w, http.StatusNotFound, "FILE_NOT_FOUND", "File not found")
			return
		}

		w.Header().Set("Content-Type", "image/tiff")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		http.ServeFile(w, r, path)
	}
}

type outputEntry struct {
	Filename string  `json:"filename"`
	SizeMB   float64 `json:"size_mb"`
	Created  string  `json:"created"`
}

// NewListOutputsHandler serves GET /api/outputs: every generated raster,
// newest first.
func NewListOutputsHandler(outputDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := os.ReadDir(outputDir)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Reading output directory failed")
			return
		}

		files := make([]outputEntry, 0, len(entries))
		modTimes := make(map[string]time.Time, len(entries))
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || (ext != ".tif" && ext != ".tiff") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			modTimes[e.Name()] = info.ModTime()
			files = append(files, outputEntry{
				Filename: e.Name(),
				SizeMB:   float64(info.Size()) / (1024 * 1024),
				Created:  info.ModTime().UTC().Format(time.RFC3339),
			})
		}

		sort.Slice(files, func(i, j int) bool {
			return modTimes[files[i].Filename].After(modTimes[files[j].Filename])
		})

		response.JSON(w, files)
	}
}
