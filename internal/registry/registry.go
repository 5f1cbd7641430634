// SPDX-License-Identifier: MIT

// Package registry stores the camera inventory: which cameras exist and how
// to capture from them. The stream engine only reads from it; the admin API
// owns the write path.
package registry

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"time"
)

// ErrNotFound is returned when a camera id is not in the registry.
var ErrNotFound = errors.New("camera not found")

// Camera ids double as output directory names, so they are restricted to a
// single safe path component.
var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// IsValidID reports whether id is acceptable as a camera identifier.
func IsValidID(id string) bool {
	return validID.MatchString(id)
}

// Position tags where a camera is mounted relative to the court.
type Position string

const (
	PositionSide1  Position = "side1"
	PositionSide2  Position = "side2"
	PositionAerial Position = "aerial"
	PositionOther  Position = "other"
)

// Valid reports whether p is a known position tag.
func (p Position) Valid() bool {
	switch p {
	case PositionSide1, PositionSide2, PositionAerial, PositionOther:
		return true
	}
	return false
}

// Camera is one capture source. SourceURL may embed credentials and must
// never be logged verbatim; use MaskURL.
type Camera struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SourceURL string    `json:"source_url"`
	Position  Position  `json:"position"`
	Autostart bool      `json:"autostart"`
	CreatedAt time.Time `json:"created_at"`
}

// Reader is the read-only view the stream engine consumes.
type Reader interface {
	Get(ctx context.Context, id string) (Camera, error)
	List(ctx context.Context) ([]Camera, error)
}

// MaskURL strips user info from a URL string for safe logging.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url-redacted"
	}
	u.User = nil
	return u.String()
}
