// Copyright 2025 Portage Contributors
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

	"github.com/gofiber/fiber/v2"

	"github.com/nextdoor/portage/internal/model"
)

// httpStatus maps the error taxonomy onto HTTP statuses. Exhausted
// conflicts surface as retriable in-layer, so a conflict reaching the
// handler is already past its retries.
func httpStatus(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation:
		return fiber.StatusBadRequest
	case model.KindAuth:
		return fiber.StatusUnauthorized
	case model.KindNotFound:
		return fiber.StatusNotFound
	case model.KindConflict:
		return fiber.StatusConflict
	case model.KindRetriable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}

	kind := model.KindOf(err)
	status := httpStatus(err)
	switch kind {
	case model.KindValidation, model.KindAuth, model.KindNotFound:
		s.Log.V(1).Info("request rejected", "kind", kind, "path", c.Path(), "err", err.Error())
	default:
		s.Log.Error(err, "request failed", "kind", kind, "path", c.Path())
	}
	if status == fiber.StatusServiceUnavailable {
		c.Set(fiber.HeaderRetryAfter, "5")
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
		"kind":  string(kind),
	})
}
