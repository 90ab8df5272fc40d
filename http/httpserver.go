package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/programme-lv/grader/callback"
	"github.com/programme-lv/grader/event"
	"github.com/programme-lv/grader/eventbus"
	"github.com/programme-lv/grader/metrics"
	"github.com/programme-lv/grader/tracing"
)

// CallbackTracker is the part of callback.Tracker the server exposes.
type CallbackTracker interface {
	Handle(ctx context.Context, cb callback.Callback) error
	Get(ctx context.Context, id string) (callback.Record, error)
}

// URLSigner hands out temporary download urls; blobstore.Store satisfies it.
type URLSigner interface {
	SignedURL(ctx context.Context, key string) (string, error)
}

type Options struct {
	// Results, when set, is where archived run results are linked from.
	Results        URLSigner
	AllowedOrigins []string
	LogLevel       slog.Level
	Version        string
	Env            string
}

type HttpServer struct {
	tracker     CallbackTracker
	signer      *callback.Signer
	transporter *eventbus.Transporter
	validate    func(event.SubmissionStarted) error
	metrics     *metrics.Metrics
	results     URLSigner
	router      *chi.Mux
	server      *http.Server
}

func NewHttpServer(
	tracker CallbackTracker,
	signer *callback.Signer,
	transporter *eventbus.Transporter,
	validate func(event.SubmissionStarted) error,
	m *metrics.Metrics,
	opts Options,
) *HttpServer {
	router := chi.NewRouter()

	logger := httplog.NewLogger("grader", httplog.Options{
		LogLevel:         opts.LogLevel,
		Concise:          true,
		RequestHeaders:   false,
		MessageFieldName: "message",
		QuietDownRoutes:  []string{"/healthz", "/metrics"},
		QuietDownPeriod:  time.Minute,
		Tags: map[string]string{
			"version": opts.Version,
			"env":     opts.Env,
		},
	})

	router.Use(httplog.RequestLogger(logger))
	router.Use(tracing.Middleware("grader"))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Traceparent"},
		AllowCredentials: false,
		MaxAge:           3000,
	}))

	server := &HttpServer{
		tracker:     tracker,
		signer:      signer,
		transporter: transporter,
		validate:    validate,
		metrics:     m,
		results:     opts.Results,
		router:      router,
	}

	server.routes()

	return server
}

func (httpserver *HttpServer) routes() {
	r := httpserver.router
	r.Post("/callback", httpserver.handleCallback)
	r.Post("/assessments", httpserver.createAssessment)
	r.Get("/submissions/{submissionId}", httpserver.getSubmission)
	r.Get("/healthz", httpserver.healthz)
	if httpserver.metrics != nil {
		r.Method(http.MethodGet, "/metrics", httpserver.metrics.Handler())
	}
}

func (httpserver *HttpServer) Handler() http.Handler {
	return httpserver.router
}

// Start serves until Shutdown is called, after which it returns nil.
func (httpserver *HttpServer) Start(address string) error {
	httpserver.server = &http.Server{
		Addr:              address,
		Handler:           httpserver.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := httpserver.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (httpserver *HttpServer) Shutdown(ctx context.Context) error {
	if httpserver.server == nil {
		return nil
	}
	return httpserver.server.Shutdown(ctx)
}

func (httpserver *HttpServer) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
