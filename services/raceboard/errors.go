// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package raceboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/raceboard/services/raceboard/race"
)

// readOnlyHeader marks 503 responses caused by read-only mode so
// clients can tell "backed off" from "broken".
const readOnlyHeader = "X-Server-Read-Only"

func httpStatus(k race.Kind) int {
	switch k {
	case race.KindValidation:
		return http.StatusBadRequest
	case race.KindNotFound:
		return http.StatusNotFound
	case race.KindConflict:
		return http.StatusConflict
	case race.KindReadOnly:
		return http.StatusServiceUnavailable
	case race.KindRateLimited:
		return http.StatusTooManyRequests
	case race.KindTimeout:
		return http.StatusGatewayTimeout
	case race.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a service error onto the wire: classify, pick the
// status, and emit the uniform {error, message, details} body. A dead
// request context is reported as a timeout rather than an internal
// error because the handler deadline is what killed it.
func writeError(c *gin.Context, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		err = race.ErrTimeout
	}
	kind := race.Classify(err)
	if kind == race.KindReadOnly {
		c.Header(readOnlyHeader, "1")
	}

	resp := ErrorResponse{Error: string(kind), Message: err.Error()}
	var ve *race.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		resp.Details = map[string]any{"field": ve.Field}
	}
	c.JSON(httpStatus(kind), resp)
	c.Abort()
}

// bindError normalizes gin binding failures into validation errors so
// malformed JSON and missing required fields both come back as 400s.
// Bodies past the size cap are the one exception and get 413.
func bindError(c *gin.Context, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   string(race.KindValidation),
			Message: fmt.Sprintf("request body exceeds %d bytes", mbe.Limit),
		})
		c.Abort()
		return
	}
	writeError(c, race.Invalidf("body", "%v", err))
}
