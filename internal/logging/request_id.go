package logging

import (
	"github.com/oklog/ulid/v2"
)

// GenerateRequestID generates a unique, time-ordered request ID.
func GenerateRequestID() string {
	return ulid.Make().String()
}
