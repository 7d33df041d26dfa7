package row

import (
	"fmt"

	"github.com/bennbollay/tmstat/internal/tmlog"
	"github.com/bennbollay/tmstat/tmstaterr"
)

// refcountViolation builds the fatal error for a Drop that would take a
// handle's reference count negative -- a caller bug (double-drop) that
// cannot be safely recovered from (spec §7 "abort the process with a
// diagnostic").
func refcountViolation(h *Handle) tmstaterr.RefcountViolation {
	detail := fmt.Sprintf("table %s addr=%v kind=%d: Drop called with no outstanding reference", h.table.Name(), h.addr, h.kind)
	v := tmstaterr.RefcountViolation{Detail: detail}
	tmlog.Fatalf(tmlog.Default, "%s", v.Error())
	return v
}
