package coordinator

import (
	"sync"
	"time"
)

// idLayout mirrors the original implementation's time-based backup
// identifier: year, month, day, hour, minute, second, with no separators
// besides the single dash.
const idLayout = "20060102-150405"

var (
	idMu   sync.Mutex
	lastID string
)

// GenerateBackupID returns a time-based identifier for a new backup run. It
// is monotonically increasing: two calls within the same wall-clock second
// never collide, which matters because the backup ID doubles as both the
// config dump directory name and the LVM snapshot name across every host.
func GenerateBackupID() string {
	idMu.Lock()
	defer idMu.Unlock()

	t := time.Now()
	id := t.Format(idLayout)
	for id <= lastID {
		t = t.Add(time.Second)
		id = t.Format(idLayout)
	}
	lastID = id
	return id
}
