package couchtest

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ActiveReplications returns the ids of running continuous replications.
func (s *Server) ActiveReplications() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.replications))
	for id := range s.replications {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// endpointDB returns the database named by a replication endpoint, which is
// either a bare name or a URL whose path is the database.
func endpointDB(v interface{}) string {
	var raw string
	switch e := v.(type) {
	case string:
		raw = e
	case map[string]interface{}:
		raw, _ = e["url"].(string)
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		raw = strings.Trim(u.EscapedPath(), "/")
	}
	name, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return name
}

// replicate copies every document of src that dst does not have at the same
// or a later generation.
func replicate(src, dst *database, ids []string) (read, written int) {
	if len(ids) == 0 {
		for id := range src.docs {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc, ok := src.docs[id]
		if !ok {
			continue
		}
		read++
		if cur, ok := dst.docs[id]; ok && cur.gen >= doc.gen {
			continue
		}
		c := &document{
			gen:         doc.gen,
			hashes:      append([]string(nil), doc.hashes...),
			body:        copyMap(doc.body),
			deleted:     doc.deleted,
			attachments: doc.attachments,
		}
		dst.docs[id] = c
		dst.record(id, c)
		written++
	}
	return read, written
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request, _ []string) {
	var body struct {
		Source       interface{} `json:"source"`
		Target       interface{} `json:"target"`
		Cancel       bool        `json:"cancel"`
		Continuous   bool        `json:"continuous"`
		CreateTarget bool        `json:"create_target"`
		DocIDs       []string    `json:"doc_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	source, target := endpointDB(body.Source), endpointDB(body.Target)
	sum := md5.Sum([]byte(source + "|" + target))
	id := fmt.Sprintf("%x+continuous", sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if body.Cancel {
		if _, ok := s.replications[id]; !ok {
			writeError(w, http.StatusNotFound, "not_found", "Replication is not running")
			return
		}
		delete(s.replications, id)
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "_local_id": id})
		return
	}

	src, ok := s.dbs[source]
	if !ok {
		writeError(w, http.StatusNotFound, "db_not_found", fmt.Sprintf("could not open %s", source))
		return
	}
	dst, ok := s.dbs[target]
	if !ok {
		if !body.CreateTarget {
			writeError(w, http.StatusNotFound, "db_not_found", fmt.Sprintf("could not open %s", target))
			return
		}
		dst = newDatabase()
		s.dbs[target] = dst
	}

	start := time.Now().UTC().Format(time.RFC1123)
	read, written := replicate(src, dst, body.DocIDs)

	if body.Continuous {
		s.replications[id] = map[string]interface{}{
			"type":           "replication",
			"replication_id": id,
			"source":         source,
			"target":         target,
			"continuous":     true,
			"docs_read":      read,
			"docs_written":   written,
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true, "_local_id": id})
		return
	}

	session := fmt.Sprintf("%x", md5.Sum([]byte(start+id)))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":              true,
		"no_changes":      written == 0,
		"session_id":      session,
		"source_last_seq": s.seqValue(src.seq),
		"history": []map[string]interface{}{{
			"session_id":         session,
			"start_time":         start,
			"end_time":           time.Now().UTC().Format(time.RFC1123),
			"docs_read":          read,
			"docs_written":       written,
			"doc_write_failures": 0,
		}},
	})
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, _ *http.Request, _ []string) {
	s.mu.Lock()
	tasks := make([]map[string]interface{}, 0, len(s.replications))
	for _, id := range sortedKeys(s.replications) {
		tasks = append(tasks, s.replications[id])
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, tasks)
}

// handleStats serves /_node/{node}/_stats with the request counters kept by
// the server, narrowed by any further path segments.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, parts []string) {
	if len(parts) < 3 || parts[2] != "_stats" {
		writeError(w, http.StatusNotFound, "not_found", "missing")
		return
	}

	s.mu.Lock()
	var total int
	byEndpoint := make(map[string]interface{}, len(s.counts))
	for endpoint, n := range s.counts {
		total += n
		byEndpoint[endpoint] = map[string]interface{}{"value": n, "type": "counter"}
	}
	open := len(s.dbs)
	s.mu.Unlock()

	var node interface{} = map[string]interface{}{
		"couchdb": map[string]interface{}{
			"open_databases": map[string]interface{}{"value": open, "type": "counter"},
		},
		"httpd": map[string]interface{}{
			"requests":  map[string]interface{}{"value": total, "type": "counter"},
			"endpoints": byEndpoint,
		},
	}
	for _, key := range parts[3:] {
		m, ok := node.(map[string]interface{})
		if !ok {
			node = nil
			break
		}
		node = m[key]
	}
	if node == nil {
		writeError(w, http.StatusNotFound, "not_found", "Unknown stat")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func sortedKeys(m map[string]map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
