package memindex

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// journal mirrors every mutation into sqlite so the embedded engine can
// replay its state at open. Queries never touch it; it is a durability log,
// not an index.
type journal struct {
	db *sql.DB
}

func openJournal(path string) (*journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	j := &journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		index_name TEXT NOT NULL,
		doc_id     TEXT NOT NULL,
		body       TEXT NOT NULL,
		PRIMARY KEY (index_name, doc_id)
	);
	CREATE TABLE IF NOT EXISTS indices (
		name TEXT PRIMARY KEY,
		body TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS aliases (
		alias      TEXT PRIMARY KEY,
		index_name TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS templates (
		name TEXT PRIMARY KEY,
		body TEXT NOT NULL
	);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *journal) putDoc(index, id string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(
		`INSERT INTO documents (index_name, doc_id, body) VALUES (?, ?, ?)
		 ON CONFLICT (index_name, doc_id) DO UPDATE SET body = excluded.body`,
		index, id, string(raw))
	return err
}

func (j *journal) deleteDoc(index, id string) error {
	_, err := j.db.Exec(`DELETE FROM documents WHERE index_name = ? AND doc_id = ?`, index, id)
	return err
}

func (j *journal) putIndex(name string, body map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(
		`INSERT INTO indices (name, body) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET body = excluded.body`,
		name, string(raw))
	return err
}

func (j *journal) putAlias(alias, target string) error {
	_, err := j.db.Exec(
		`INSERT INTO aliases (alias, index_name) VALUES (?, ?)
		 ON CONFLICT (alias) DO UPDATE SET index_name = excluded.index_name`,
		alias, target)
	return err
}

func (j *journal) putTemplate(name string, body map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(
		`INSERT INTO templates (name, body) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET body = excluded.body`,
		name, string(raw))
	return err
}

// load replays the journal into a fresh backend.
func (j *journal) load(b *Backend) error {
	rows, err := j.db.Query(`SELECT name, body FROM indices`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return err
		}
		var body map[string]any
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return fmt.Errorf("index %q body: %w", name, err)
		}
		b.indices[name] = &index{body: body, docs: make(map[string]map[string]any)}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	docRows, err := j.db.Query(`SELECT index_name, doc_id, body FROM documents`)
	if err != nil {
		return err
	}
	defer docRows.Close()
	for docRows.Next() {
		var idxName, id, raw string
		if err := docRows.Scan(&idxName, &id, &raw); err != nil {
			return err
		}
		idx, ok := b.indices[idxName]
		if !ok {
			// Documents for an index with no create record; tolerate by
			// materializing a bare index.
			idx = &index{body: map[string]any{}, docs: make(map[string]map[string]any)}
			b.indices[idxName] = idx
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return fmt.Errorf("document %s/%s: %w", idxName, id, err)
		}
		idx.docs[id] = doc
	}
	if err := docRows.Err(); err != nil {
		return err
	}

	aliasRows, err := j.db.Query(`SELECT alias, index_name FROM aliases`)
	if err != nil {
		return err
	}
	defer aliasRows.Close()
	for aliasRows.Next() {
		var alias, target string
		if err := aliasRows.Scan(&alias, &target); err != nil {
			return err
		}
		b.aliases[alias] = target
	}
	if err := aliasRows.Err(); err != nil {
		return err
	}

	tmplRows, err := j.db.Query(`SELECT name, body FROM templates`)
	if err != nil {
		return err
	}
	defer tmplRows.Close()
	for tmplRows.Next() {
		var name, raw string
		if err := tmplRows.Scan(&name, &raw); err != nil {
			return err
		}
		var body map[string]any
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return fmt.Errorf("template %q body: %w", name, err)
		}
		b.templates[name] = body
	}
	return tmplRows.Err()
}

func (j *journal) Close() error {
	return j.db.Close()
}
