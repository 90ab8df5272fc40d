package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"
	"github.com/google/uuid"
	"github.com/programme-lv/grader/callback"
	"github.com/programme-lv/grader/event"
	"github.com/programme-lv/grader/eventbus"
	"github.com/programme-lv/grader/httpjson"
	"github.com/programme-lv/grader/srvcerror"
)

type CreateAssessmentRequest struct {
	AssessmentID string            `json:"assessment_id"`
	Criteria     []event.Criterion `json:"criteria"`
	Attachments  []string          `json:"attachments"`
	Metadata     map[string]string `json:"metadata"`
}

type CreateAssessmentResponse struct {
	AssessmentID string `json:"assessment_id"`
}

// createAssessment publishes a submission.started event for the request.
func (httpserver *HttpServer) createAssessment(w http.ResponseWriter, r *http.Request) {
	log := httplog.LogEntry(r.Context())

	var req CreateAssessmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpjson.HandleError(log, w, srvcerror.ErrInvalidRequest("malformed request body").SetDebug(err))
		return
	}
	if req.AssessmentID == "" {
		req.AssessmentID = uuid.NewString()
	}
	started := event.SubmissionStarted{
		AssessmentID: req.AssessmentID,
		Criteria:     req.Criteria,
		Attachments:  req.Attachments,
		Metadata:     req.Metadata,
	}

	if httpserver.validate != nil {
		if err := httpserver.validate(started); err != nil {
			httpjson.HandleError(log, w, err)
			return
		}
	}

	err := eventbus.Emit(r.Context(), httpserver.transporter, event.SubmissionStartedEvent, started)
	if err != nil {
		if errors.Is(err, event.ErrInvalidEvent) {
			httpjson.HandleError(log, w, srvcerror.ErrInvalidRequest(err.Error()))
			return
		}
		httpjson.HandleError(log, w, err)
		return
	}

	log.Info("assessment submitted", "assessment_id", req.AssessmentID, "criteria", len(req.Criteria))
	httpjson.WriteSuccessJson(w, CreateAssessmentResponse{AssessmentID: req.AssessmentID})
}

type SubmissionResponse struct {
	callback.Record
	ResultURL string `json:"result_url,omitempty"`
}

// getSubmission returns the sandbox submission record driven by callbacks,
// with a download link to the archived run result when there is one.
func (httpserver *HttpServer) getSubmission(w http.ResponseWriter, r *http.Request) {
	log := httplog.LogEntry(r.Context())

	id := chi.URLParam(r, "submissionId")
	rec, err := httpserver.tracker.Get(r.Context(), id)
	if err != nil {
		httpjson.HandleError(log, w, err)
		return
	}

	resp := SubmissionResponse{Record: rec}
	if rec.ResultRef != "" && httpserver.results != nil {
		resp.ResultURL, err = httpserver.results.SignedURL(r.Context(), rec.ResultRef)
		if err != nil {
			log.Warn("failed to sign result url", "key", rec.ResultRef, "error", err)
		}
	}
	httpjson.WriteSuccessJson(w, resp)
}
