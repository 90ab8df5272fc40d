package callback

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/programme-lv/grader/srvcerror"
)

const ErrCodeUnknownCallbackType = "unknown_callback_type"

func ErrUnknownCallbackType(typ string) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeUnknownCallbackType,
		fmt.Sprintf("unknown callback type %q", typ),
	).SetHttpStatusCode(http.StatusBadRequest)
}

const ErrCodeSubmissionNotFound = "submission_not_found"

func ErrSubmissionNotFound() *srvcerror.Error {
	return srvcerror.New(
		ErrCodeSubmissionNotFound,
		"submission not found",
	).SetHttpStatusCode(http.StatusNotFound)
}

const ErrCodeOutOfOrder = "callback_out_of_order"

func ErrOutOfOrder(typ Type, state State) *srvcerror.Error {
	return srvcerror.New(
		ErrCodeOutOfOrder,
		fmt.Sprintf("%s callback not expected in state %s", typ, state),
	).SetHttpStatusCode(http.StatusConflict)
}

const ErrCodeAlreadyRegistered = "submission_already_registered"

func ErrAlreadyRegistered() *srvcerror.Error {
	return srvcerror.New(
		ErrCodeAlreadyRegistered,
		"submission already registered",
	).SetHttpStatusCode(http.StatusConflict)
}

const ErrCodeInvalidRunResult = "invalid_run_result"

func ErrInvalidRunResult() *srvcerror.Error {
	return srvcerror.New(
		ErrCodeInvalidRunResult,
		"run result could not be parsed",
	).SetHttpStatusCode(http.StatusBadRequest)
}

const ErrCodeInvalidCallbackToken = "invalid_callback_token"

func ErrInvalidCallbackToken() *srvcerror.Error {
	return srvcerror.New(
		ErrCodeInvalidCallbackToken,
		"invalid callback token",
	).SetHttpStatusCode(http.StatusUnauthorized)
}

// ErrVersionConflict is returned by repos when a record changed since it
// was read.
var ErrVersionConflict = errors.New("callback record version conflict")

// ErrDeadlineExceeded fails submissions whose supervisory deadline passed.
var ErrDeadlineExceeded = errors.New("submission did not finish before its deadline")
