package xid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a random identifier such as "req-<uuid>".
func New(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	if prefix == "" {
		return id.String()
	}
	return prefix + "-" + id.String()
}
