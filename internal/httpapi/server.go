package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ai4all/internal/pipeline"
	"ai4all/internal/queue"
	"ai4all/pkg/types"
)

const defaultSampleRate = 16000

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.ModelDescriptor
	Status() types.StatusResponse
	// Submit starts a turn; the handle's updates end with one of type done.
	Submit(ctx context.Context, sessionID string, in pipeline.Input, out types.Modality) (*queue.Handle, error)
	Cancel(requestID string) error
	History(ctx context.Context, sessionID string) ([]types.Turn, error)
	Ready() bool
}

// NewMux builds the router:
//
//	GET  /models                      installed models
//	GET  /status                      pool, queue and index status
//	POST /v1/sessions/{id}/turns      run a turn, NDJSON stream of updates
//	GET  /v1/sessions/{id}/history    committed turns
//	GET  /v1/sessions/{id}/ws         websocket turns
//	POST /v1/requests/{id}/cancel     cancel a running turn
//	GET  /healthz, /readyz, /metrics
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	// Compression only for plain JSON; streams and websockets stay unwrapped.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5, "application/json"))
		r.Get("/models", handleModels(svc))
		r.Get("/status", handleStatus(svc))
		r.Get("/v1/sessions/{id}/history", handleHistory(svc))
		r.Post("/v1/requests/{id}/cancel", handleCancel(svc))
	})
	r.Post("/v1/sessions/{id}/turns", handleTurn(svc))
	r.Get("/v1/sessions/{id}/ws", newWSHandler(svc).ServeHTTP)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

// handleModels lists installed models.
//
//	@Summary	List installed models
//	@Produce	json
//	@Success	200	{object}	types.ModelsResponse
//	@Router		/models [get]
func handleModels(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models := svc.ListModels()
		if models == nil {
			models = []types.ModelDescriptor{}
		}
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
	}
}

// handleStatus reports pool, queue and index state.
//
//	@Summary	Daemon status
//	@Produce	json
//	@Success	200	{object}	types.StatusResponse
//	@Router		/status [get]
func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	}
}

// handleHistory returns the committed turns of a session.
//
//	@Summary	Session history
//	@Produce	json
//	@Param		id	path		string	true	"Session ID"
//	@Success	200	{object}	types.HistoryResponse
//	@Failure	404	{object}	types.ErrorResponse
//	@Router		/v1/sessions/{id}/history [get]
func handleHistory(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		turns, err := svc.History(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if turns == nil {
			turns = []types.Turn{}
		}
		writeJSON(w, http.StatusOK, types.HistoryResponse{SessionID: id, Turns: turns})
	}
}

// handleCancel cancels a running turn.
//
//	@Summary	Cancel a running turn
//	@Produce	json
//	@Param		id	path		string	true	"Request ID"
//	@Success	202	{object}	types.CancelResponse
//	@Failure	404	{object}	types.ErrorResponse
//	@Router		/v1/requests/{id}/cancel [post]
func handleCancel(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.Cancel(id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, types.CancelResponse{RequestID: id, Cancelled: true})
	}
}

// handleTurn runs one turn and streams its updates as NDJSON. The stream
// always ends with an update of type done unless the client goes away first,
// in which case the turn is cancelled.
//
//	@Summary	Run a conversational turn
//	@Accept		json
//	@Produce	application/x-ndjson
//	@Param		id		path		string				true	"Session ID"
//	@Param		request	body		types.TurnRequest	true	"Turn input"
//	@Success	200		{object}	types.TurnUpdate
//	@Failure	400		{object}	types.ErrorResponse
//	@Failure	404		{object}	types.ErrorResponse
//	@Failure	409		{object}	types.ErrorResponse
//	@Failure	429		{object}	types.ErrorResponse
//	@Failure	503		{object}	types.ErrorResponse
//	@Router		/v1/sessions/{id}/turns [post]
func handleTurn(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.TurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		in, out, err := decodeTurn(req)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		sessionID := chi.URLParam(r, "id")
		start := time.Now()
		lvl := requestLogLevel(r)
		logRequest(r, lvl, "turn start", 0, start, nil)
		h, err := svc.Submit(r.Context(), sessionID, in, out)
		if err != nil {
			status := writeServiceError(w, err)
			logRequest(r, lvl, "turn end", status, start, err)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("X-Request-ID", h.ID)
		w.WriteHeader(http.StatusOK)
		flush := func() {}
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		writer := io.Writer(w)
		if lvl >= LevelDebug {
			writer = io.MultiWriter(w, &loggingLineWriter{log: zlog, requestID: h.ID})
		}
		enc := json.NewEncoder(writer)

		// Shutdown and client disconnects both cancel the turn.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		var timeout <-chan time.Time
		if turnTimeout > 0 {
			t := time.NewTimer(turnTimeout)
			defer t.Stop()
			timeout = t.C
		}
		for {
			select {
			case u, ok := <-h.Updates():
				if !ok {
					res := h.Result()
					logRequest(r, lvl, "turn end", http.StatusOK, start, res.Err)
					return
				}
				if err := enc.Encode(u); err != nil {
					h.Cancel()
					return
				}
				flush()
			case <-ctx.Done():
				h.Cancel()
				logRequest(r, lvl, "turn aborted", http.StatusOK, start, context.Cause(ctx))
				return
			case <-timeout:
				// Keep streaming: the cancelled turn still ends with done.
				h.Cancel()
				timeout = nil
			}
		}
	}
}

// decodeTurn validates a turn request: exactly one of text and audio, and a
// known output modality.
func decodeTurn(req types.TurnRequest) (pipeline.Input, types.Modality, error) {
	var in pipeline.Input
	hasText := strings.TrimSpace(req.Text) != ""
	hasAudio := req.AudioBase64 != ""
	switch {
	case hasText && hasAudio:
		return in, "", errors.New("text and audio_base64 are mutually exclusive")
	case !hasText && !hasAudio:
		return in, "", errors.New("text or audio_base64 is required")
	}
	if hasAudio {
		audio, err := base64.StdEncoding.DecodeString(req.AudioBase64)
		if err != nil {
			return in, "", errors.New("audio_base64 is not valid base64")
		}
		if len(audio) == 0 {
			return in, "", errors.New("audio_base64 is empty")
		}
		in.Audio = audio
		in.SampleRate = req.SampleRate
		if in.SampleRate <= 0 {
			in.SampleRate = defaultSampleRate
		}
	} else {
		in.Text = req.Text
	}
	if req.MaxTokens < 0 {
		return in, "", errors.New("max_tokens must not be negative")
	}
	in.MaxTokens = req.MaxTokens
	switch req.Output {
	case "", types.ModalityText, types.ModalityAudio:
	default:
		return in, "", errors.New("output must be text or audio")
	}
	return in, req.Output, nil
}
