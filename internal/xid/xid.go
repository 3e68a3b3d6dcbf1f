package xid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a prefixed, time-ordered identifier. Ids minted by one process
// sort in creation order, which the ledger relies on as a tie-break.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), uuid.NewString())
	}
	return prefix + "_" + id.String()
}
