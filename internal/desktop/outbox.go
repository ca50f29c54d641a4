package desktop

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

const outboxPrefix = "report/"

// Outbox keeps render reports the API did not accept yet, one per job. A
// newer report for the same job replaces the older one.
type Outbox struct {
	db *pebble.DB
}

func OpenOutbox(dir string) (*Outbox, error) {
	return openOutbox(dir, &pebble.Options{})
}

func openOutbox(dir string, opts *pebble.Options) (*Outbox, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

func (o *Outbox) Put(u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return o.db.Set([]byte(outboxPrefix+u.JobID), data, pebble.Sync)
}

func (o *Outbox) Delete(jobID string) error {
	return o.db.Delete([]byte(outboxPrefix+jobID), pebble.Sync)
}

// Pending lists stored reports in job ID order. Undecodable entries are skipped.
func (o *Outbox) Pending() ([]Update, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(outboxPrefix),
		UpperBound: []byte("report0"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []Update
	for iter.First(); iter.Valid(); iter.Next() {
		var u Update
		if err := json.Unmarshal(iter.Value(), &u); err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, iter.Error()
}
