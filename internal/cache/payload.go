package cache

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// payload keys on cache records
const (
	keyQuery        = "query"
	keyAnswer       = "answer"
	keyCreatedAt    = "created_at"
	keyLastAccessed = "last_accessed"
	keyHitCount     = "hit_count"
	keyContexts     = "contexts"
	keyModel        = "model"
)

func entryPayload(e Entry) map[string]string {
	p := map[string]string{
		keyQuery:        e.QueryText,
		keyAnswer:       e.AnswerText,
		keyCreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		keyLastAccessed: e.LastAccessed.UTC().Format(time.RFC3339Nano),
		keyHitCount:     strconv.Itoa(e.HitCount),
		keyModel:        e.Model,
	}
	if len(e.ContextsUsed) > 0 {
		// a []string always marshals
		raw, _ := json.Marshal(e.ContextsUsed)
		p[keyContexts] = string(raw)
	}
	return p
}

func entryFromPayload(id string, p map[string]string) (Entry, error) {
	e := Entry{
		ID:         id,
		QueryText:  p[keyQuery],
		AnswerText: p[keyAnswer],
		Model:      p[keyModel],
	}
	if _, ok := p[keyAnswer]; !ok {
		return Entry{}, fmt.Errorf("missing %q", keyAnswer)
	}

	var err error
	if v := p[keyCreatedAt]; v != "" {
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return Entry{}, fmt.Errorf("bad %s: %w", keyCreatedAt, err)
		}
	}
	e.LastAccessed = e.CreatedAt
	if v := p[keyLastAccessed]; v != "" {
		if e.LastAccessed, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return Entry{}, fmt.Errorf("bad %s: %w", keyLastAccessed, err)
		}
	}
	if v := p[keyHitCount]; v != "" {
		if e.HitCount, err = strconv.Atoi(v); err != nil {
			return Entry{}, fmt.Errorf("bad %s: %w", keyHitCount, err)
		}
	}
	if v := p[keyContexts]; v != "" {
		if err := json.Unmarshal([]byte(v), &e.ContextsUsed); err != nil {
			return Entry{}, fmt.Errorf("bad %s: %w", keyContexts, err)
		}
	}
	return e, nil
}
