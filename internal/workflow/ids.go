package workflow

import (
	"strings"

	"github.com/google/uuid"
)

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
