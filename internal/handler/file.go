package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"filerelay/internal/service"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// FileStreamer is the slice of the fetch/cache pipeline the handler needs.
type FileStreamer interface {
	Serve(ctx context.Context, host, name string) (*service.ServeResult, error)
}

type FileHandler struct {
	pipeline FileStreamer
}

func NewFileHandler(pipeline FileStreamer) *FileHandler {
	return &FileHandler{pipeline: pipeline}
}

func (h *FileHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/f/{name}", h.download).Methods("GET", "OPTIONS")
}

// @Summary Download file
// @Description Stream a stored attachment by its unique or alias identifier
// @ID download-file
// @Produce octet-stream
// @Param name path string true "Identifier with optional extension, e.g. AQAD123.jpg"
// @Success 200
// @Failure 404
// @Failure 500
// @Router /f/{name} [get]
func (h *FileHandler) download(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	res, err := h.pipeline.Serve(r.Context(), r.Host, name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrFileNotFound) || errors.Is(err, service.ErrPathUnavailable) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer res.Body.Close()

	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000")

	if _, err := io.Copy(w, res.Body); err != nil {
		// Response already committed; nothing left to do but log.
		log.Debug().Err(err).Str("name", name).Msg("client went away mid-stream")
	}
}
