package http

import (
	"io"
	"net/http"

	"github.com/go-chi/httplog/v2"
	"github.com/programme-lv/grader/callback"
	"github.com/programme-lv/grader/httpjson"
	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/srvcerror"
)

const maxCallbackBody = 16 << 20

// handleCallback receives POST /callback?type={upload|init|run}&id=..&token=..
// from the sandbox. Success is an empty 200.
func (httpserver *HttpServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	log := httplog.LogEntry(r.Context())

	q := r.URL.Query()
	id := q.Get("id")
	if id == "" {
		httpjson.HandleBareError(log, w, srvcerror.ErrInvalidRequest("id is required"))
		return
	}
	if err := httpserver.signer.Verify(q.Get("token"), id); err != nil {
		httpjson.HandleBareError(log, w, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		httpjson.HandleBareError(log, w, srvcerror.ErrInvalidRequest("failed to read body").SetDebug(err))
		return
	}

	ctx := logger.WithLogger(r.Context(), log)
	err = httpserver.tracker.Handle(ctx, callback.Callback{
		Type: q.Get("type"),
		ID:   id,
		Body: body,
	})
	if err != nil {
		httpjson.HandleBareError(log, w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
