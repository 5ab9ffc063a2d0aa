// Package journal keeps an append-only JSON-lines history of finished
// batches and repairs, one entry per terminal event.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	TypeBatch  = "batch"
	TypeRepair = "repair"
)

type Entry struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"` // batch id
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Decode unmarshals the entry payload into v
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type Journal struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func New(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Journal{path: path, now: time.Now}, nil
}

func (j *Journal) Path() string { return j.path }

// Append writes one entry; the payload is marshalled as JSON
func (j *Journal) Append(kind, key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Entry{Type: kind, Key: key, Data: raw, Event: j.now().UTC()})
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// Recent returns the last n entries of the given type, newest first. An
// empty kind matches every type; n <= 0 returns all. Lines that do not
// parse are skipped.
func (j *Journal) Recent(kind string, n int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if kind == "" || e.Type == kind {
			all = append(all, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(all))
	for i := len(all) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		out = append(out, all[i])
	}
	return out, nil
}
