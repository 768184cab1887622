package app

import (
	"context"
	"net/http"
	"time"

	"filerelay/internal/handler"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	httpSwagger "github.com/swaggo/http-swagger"
)

type Server struct {
	router *mux.Router
	srv    *http.Server
}

func NewServer(fileHandler *handler.FileHandler, webhookHandler *handler.WebhookHandler) *Server {
	router := mux.NewRouter()

	router.Use(accessLog)

	// Routes
	fileHandler.RegisterRoutes(router)
	webhookHandler.RegisterRoutes(router)
	router.HandleFunc("/ping", handler.Ping).Methods("GET")

	swaggerHandler := httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	)
	router.PathPrefix("/swagger/").Handler(swaggerHandler)
	router.HandleFunc("/swagger/doc.json", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./docs/swagger.json")
	})

	router.HandleFunc("/", handler.Index).Methods("GET")

	return &Server{router: router}
}

func (s *Server) Run(port string) error {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Requested-With"}),
	)

	s.srv = &http.Server{
		Handler:     cors(s.router),
		Addr:        ":" + port,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: downloads stream bodies of arbitrary size.
		IdleTimeout: 60 * time.Second,
	}

	log.Info().Str("port", port).Msg("server starting")

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
