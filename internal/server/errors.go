// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/tombee/smcp/internal/attestation"
	"github.com/tombee/smcp/internal/envelope"
	"github.com/tombee/smcp/internal/httputil"
	"github.com/tombee/smcp/internal/invocation"
	"github.com/tombee/smcp/internal/log"
	"github.com/tombee/smcp/internal/policy"
	"github.com/tombee/smcp/internal/toolserver"
	smcperrors "github.com/tombee/smcp/pkg/errors"
)

// Error codes that are not violation kinds.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeRateLimited      = "rate_limited"
	CodeContextNotFound  = "context_not_found"
	CodeAlreadyAttested  = "already_attested"
	CodeNoToolServer     = "no_tool_server"
	CodeResponseTooLarge = "response_too_large"
	CodeToolServerError  = "tool_server_error"
	CodeConflict         = "conflict"
	CodeInternal         = "internal_error"
)

// statusForViolation maps a violation to its HTTP status.
func statusForViolation(v *policy.Violation) int {
	if v.Kind == policy.KindRateLimitExceeded {
		return http.StatusTooManyRequests
	}
	switch v.Kind.Category() {
	case policy.CategoryInput:
		return http.StatusBadRequest
	case policy.CategoryAuthentication, policy.CategorySession:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

// writeError maps err to a status and error body. Unexpected errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := s.classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			log.Error(err),
		)
	}
	httputil.WriteError(w, status, body)
}

func (s *Server) classify(err error) (int, httputil.ErrorBody) {
	if v, ok := policy.AsViolation(err); ok {
		return statusForViolation(v), httputil.ErrorBody{
			Code:     v.Kind.String(),
			Category: string(v.Kind.Category()),
			Message:  v.Error(),
		}
	}

	var verr *smcperrors.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, httputil.ErrorBody{
			Code:     CodeInvalidRequest,
			Category: string(policy.CategoryInput),
			Message:  verr.Error(),
		}
	}

	switch {
	case errors.Is(err, envelope.ErrMalformed):
		return http.StatusBadRequest, httputil.ErrorBody{
			Code:     policy.KindMalformedPayload.String(),
			Category: string(policy.CategoryInput),
			Message:  err.Error(),
		}
	case errors.Is(err, attestation.ErrContextNotFound):
		return http.StatusForbidden, httputil.ErrorBody{
			Code:     CodeContextNotFound,
			Category: string(policy.CategoryAuthorization),
			Message:  err.Error(),
		}
	case errors.Is(err, attestation.ErrAlreadyAttested):
		return http.StatusConflict, httputil.ErrorBody{
			Code:     CodeAlreadyAttested,
			Category: string(policy.CategorySession),
			Message:  err.Error(),
		}
	case errors.Is(err, toolserver.ErrNoRoute):
		return http.StatusNotFound, httputil.ErrorBody{Code: CodeNoToolServer, Message: err.Error()}
	case errors.Is(err, invocation.ErrResponseTooLarge):
		return http.StatusBadGateway, httputil.ErrorBody{Code: CodeResponseTooLarge, Message: err.Error()}
	case errors.Is(err, invocation.ErrForwardFailed):
		return http.StatusBadGateway, httputil.ErrorBody{Code: CodeToolServerError, Message: err.Error()}
	}

	if smcperrors.Classify(err) == "conflict" {
		return http.StatusConflict, httputil.ErrorBody{Code: CodeConflict, Message: err.Error()}
	}

	return http.StatusInternalServerError, httputil.ErrorBody{
		Code:    CodeInternal,
		Message: http.StatusText(http.StatusInternalServerError),
	}
}

// validationError converts validator output into a ValidationError for the
// first failing field.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &smcperrors.ValidationError{Message: err.Error(), Cause: err}
	}
	fe := fieldErrs[0]
	msg := fmt.Sprintf("failed %q validation", fe.Tag())
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "uuid":
		msg = "must be a UUID"
	case "max":
		msg = fmt.Sprintf("must be at most %s characters", fe.Param())
	}
	return &smcperrors.ValidationError{Field: fe.Field(), Message: msg, Cause: err}
}
