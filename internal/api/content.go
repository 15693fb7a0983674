package api

import (
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/trialvault/trialvault/internal/locking"
	"github.com/trialvault/trialvault/internal/logger"
)

// Lock actions accepted in the action parameter.
const (
	ActionLock   = "LOCK"
	ActionUnlock = "UNLOCK"
)

// Response bodies of the lock endpoint.
const (
	StatusSuccess = "success"
	StatusError   = "error"

	MsgMissingAction  = "Must specify if the node is to be locked or unlocked"
	MsgForceDisabled  = "Forced locking is disabled"
	MsgInternalError  = "Internal server error"
	MsgStatusRequired = "Only lock status queries are supported"
)

// StatusResponse is the body of every lock endpoint response.
type StatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func errorResponse(message string) StatusResponse {
	return StatusResponse{Status: StatusError, Error: message}
}

// contentPath maps /content/trial/A to the node path /trial/A.
func contentPath(c echo.Context) string {
	return path.Clean("/" + strings.TrimPrefix(c.Request().URL.Path, "/content"))
}

// handleLockAction locks or unlocks the Subject at the request path.
//
//	POST /content/<path> action=LOCK|UNLOCK [force=true]
func (s *Server) handleLockAction(c echo.Context) error {
	nodePath := contentPath(c)
	ctx := c.Request().Context()

	force := false
	if v := c.FormValue("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse("Invalid force parameter"))
		}
		force = parsed
	}

	var err error
	switch c.FormValue("action") {
	case ActionLock:
		if force {
			if !s.config.AllowForce {
				return c.JSON(http.StatusForbidden, errorResponse(MsgForceDisabled))
			}
			err = s.locks.ForceLock(ctx, nodePath)
		} else {
			err = s.locks.TryLock(ctx, nodePath)
		}
	case ActionUnlock:
		err = s.locks.Unlock(ctx, nodePath)
	default:
		return c.JSON(http.StatusBadRequest, errorResponse(MsgMissingAction))
	}

	if err != nil {
		return s.lockFailure(c, nodePath, err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: StatusSuccess})
}

// handleLockStatus reports the lock state of the node at the request path.
//
//	GET /content/<path>?lockstatus
func (s *Server) handleLockStatus(c echo.Context) error {
	if !c.QueryParams().Has("lockstatus") {
		return c.JSON(http.StatusBadRequest, errorResponse(MsgStatusRequired))
	}

	nodePath := contentPath(c)
	status, err := s.locks.Status(c.Request().Context(), nodePath)
	if err != nil {
		return s.lockFailure(c, nodePath, err)
	}
	return c.JSON(http.StatusOK, status)
}

// lockFailure maps a lock manager error to a response. Business-rule
// refusals are 409 with their message; storage failures are logged and
// answered with a generic 500.
func (s *Server) lockFailure(c echo.Context, nodePath string, err error) error {
	var lockErr *locking.LockError
	if errors.As(err, &lockErr) {
		switch {
		case lockErr.Reason == locking.ReasonNotFound:
			return c.JSON(http.StatusNotFound, errorResponse(lockErr.Message))
		case lockErr.IsConflict():
			return c.JSON(http.StatusConflict, errorResponse(lockErr.Message))
		}
	}

	s.log.WithContext(c.Request().Context()).Error("lock request failed",
		logger.Path(nodePath),
		logger.String("method", c.Request().Method),
		logger.Error(err))
	return c.JSON(http.StatusInternalServerError, errorResponse(MsgInternalError))
}
