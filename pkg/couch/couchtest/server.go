// Package couchtest provides an in-memory CouchDB-compatible HTTP server for
// tests.
package couchtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Endpoint names used by Count and FailNext.
const (
	EndpointRoot        = "root"
	EndpointAllDBs      = "all_dbs"
	EndpointUUIDs       = "uuids"
	EndpointCreateDB    = "create_db"
	EndpointDeleteDB    = "delete_db"
	EndpointDBInfo      = "db_info"
	EndpointGetDoc      = "get_doc"
	EndpointPutDoc      = "put_doc"
	EndpointDeleteDoc   = "delete_doc"
	EndpointBulkDocs    = "bulk_docs"
	EndpointAllDocs     = "all_docs"
	EndpointChanges     = "changes"
	EndpointCompact     = "compact"
	EndpointFullCommit  = "ensure_full_commit"
	EndpointPurge       = "purge"
	EndpointPostDoc     = "post_doc"
	EndpointCopyDoc     = "copy_doc"
	EndpointSecurity    = "security"
	EndpointViewCleanup = "view_cleanup"
	EndpointReplicate   = "replicate"
	EndpointActiveTasks = "active_tasks"
	EndpointStats       = "stats"
	EndpointUnsupported = "unsupported"

	EndpointGetAttachment    = "get_attachment"
	EndpointPutAttachment    = "put_attachment"
	EndpointDeleteAttachment = "delete_attachment"
)

// Server is a fake CouchDB. It keeps every database in memory and supports
// the subset of the API used by the client: server info, _all_dbs, _uuids,
// database create/delete/info, document GET/PUT/POST/DELETE/COPY,
// attachments, _bulk_docs, _all_docs with keys, _changes (normal and
// continuous), _compact, _ensure_full_commit, _purge, _security,
// _view_cleanup, _replicate, _active_tasks and the node _stats.
type Server struct {
	// StringSeqs makes the server report CouchDB 2.x style "N-opaque"
	// sequences instead of integers.
	StringSeqs bool

	srv       *httptest.Server
	closing   chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	dbs      map[string]*database
	counts   map[string]int
	failures map[string][]int
	nextUUID uint64
	requests []*http.Request

	// continuous replications by id
	replications map[string]map[string]interface{}
}

type database struct {
	docs     map[string]*document
	seq      int64
	purgeSeq int64
	log      []*logEntry
	changed  chan struct{}
	security map[string]interface{}
}

type document struct {
	gen     int
	hashes  []string // newest first
	body    map[string]interface{}
	deleted bool
	seq     int64

	attachments map[string]*attachment
}

func (d *document) rev() string {
	return fmt.Sprintf("%d-%s", d.gen, d.hashes[0])
}

type logEntry struct {
	seq        int64
	id         string
	rev        string
	deleted    bool
	superseded bool
	raw        string
}

// NewServer starts a server. Close it when done.
func NewServer() *Server {
	s := &Server{
		closing:  make(chan struct{}),
		dbs:      make(map[string]*database),
		counts:   make(map[string]int),
		failures: make(map[string][]int),

		replications: make(map[string]map[string]interface{}),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// Close terminates open change feeds and shuts the server down.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.srv.CloseClientConnections()
		s.srv.Close()
	})
}

// Count returns how many requests hit endpoint.
func (s *Server) Count(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[endpoint]
}

// ResetCounts zeroes the request counters.
func (s *Server) ResetCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int)
}

// FailNext makes the next request to endpoint fail with status. Calls queue.
func (s *Server) FailNext(endpoint string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = append(s.failures[endpoint], status)
}

// Requests returns the requests received so far, oldest first.
func (s *Server) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*http.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// CreateDB creates a database directly.
func (s *Server) CreateDB(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[name]; !ok {
		s.dbs[name] = newDatabase()
	}
}

// Put writes a document directly, bypassing revision checks, and returns its
// new revision. It simulates a concurrent writer.
func (s *Server) Put(db string, doc map[string]interface{}) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		d = newDatabase()
		s.dbs[db] = d
	}
	id, _ := doc["_id"].(string)
	if existing, ok := d.docs[id]; ok {
		doc = copyMap(doc)
		doc["_rev"] = existing.rev()
	}
	rev, _, _ := d.write(doc)
	return rev
}

// Rev returns the current revision of a document, or "" if it does not
// exist or is deleted.
func (s *Server) Rev(db, id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		return ""
	}
	doc, ok := d.docs[id]
	if !ok || doc.deleted {
		return ""
	}
	return doc.rev()
}

// Doc returns the current body of a document without _id and _rev.
func (s *Server) Doc(db, id string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		return nil
	}
	doc, ok := d.docs[id]
	if !ok || doc.deleted {
		return nil
	}
	return copyMap(doc.body)
}

// EmitRaw sends line verbatim to continuous change feeds of db.
func (s *Server) EmitRaw(db, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[db]
	if !ok {
		return
	}
	d.log = append(d.log, &logEntry{seq: d.seq, raw: line})
	d.notify()
}

func newDatabase() *database {
	return &database{
		docs:    make(map[string]*document),
		changed: make(chan struct{}),
	}
}

func (d *database) notify() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// check reports the error code a write of doc would fail with, if any.
func (d *database) check(doc map[string]interface{}) (string, string) {
	id, _ := doc["_id"].(string)
	if id == "" {
		return "bad_request", "Document id must be a string"
	}
	rev, _ := doc["_rev"].(string)
	existing, ok := d.docs[id]
	switch {
	case !ok && rev != "":
		return "conflict", "Document update conflict."
	case ok && existing.deleted && rev != "" && rev != existing.rev():
		return "conflict", "Document update conflict."
	case ok && !existing.deleted && rev != existing.rev():
		return "conflict", "Document update conflict."
	}
	return "", ""
}

func (d *database) write(doc map[string]interface{}) (string, string, string) {
	if code, reason := d.check(doc); code != "" {
		return "", code, reason
	}
	id := doc["_id"].(string)
	existing, ok := d.docs[id]
	if !ok {
		existing = &document{}
		d.docs[id] = existing
	}

	body := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == "_id" || k == "_rev" || k == "_deleted" || k == "_attachments" {
			continue
		}
		body[k] = v
	}
	deleted, _ := doc["_deleted"].(bool)

	atts := attachmentsFor(existing, doc["_attachments"])
	existing.gen++
	existing.hashes = append([]string{strings.ReplaceAll(uuid.NewString(), "-", "")}, existing.hashes...)
	existing.body = body
	existing.deleted = deleted
	existing.attachments = nil
	if !deleted {
		for _, a := range atts {
			if a.revpos == 0 {
				a.revpos = existing.gen
			}
		}
		existing.attachments = atts
	}

	d.record(id, existing)
	return existing.rev(), "", ""
}

// record assigns doc the next sequence and appends it to the change log.
func (d *database) record(id string, doc *document) {
	d.seq++
	doc.seq = d.seq
	for _, e := range d.log {
		if e.id == id {
			e.superseded = true
		}
	}
	d.log = append(d.log, &logEntry{seq: d.seq, id: id, rev: doc.rev(), deleted: doc.deleted})
	d.notify()
}

// fields returns the body with the attachment stubs added.
func (d *document) fields() map[string]interface{} {
	if len(d.attachments) == 0 {
		return d.body
	}
	out := copyMap(d.body)
	stubs := make(map[string]interface{}, len(d.attachments))
	for name, a := range d.attachments {
		stubs[name] = a.stub()
	}
	out["_attachments"] = stubs
	return out
}

func (s *Server) seqValue(n int64) interface{} {
	if s.StringSeqs {
		return fmt.Sprintf("%d-g1AAAAFTeJzLYWBg%08x", n, n)
	}
	return n
}

func parseSeq(v string) int64 {
	if i := strings.IndexByte(v, '-'); i >= 0 {
		v = v[:i]
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

type routeFunc func(w http.ResponseWriter, r *http.Request, parts []string)

func (s *Server) route(r *http.Request, parts []string) (string, routeFunc) {
	switch {
	case len(parts) == 0:
		return EndpointRoot, s.handleRoot
	case parts[0] == "_all_dbs":
		return EndpointAllDBs, s.handleAllDBs
	case parts[0] == "_uuids":
		return EndpointUUIDs, s.handleUUIDs
	case parts[0] == "_replicate":
		return EndpointReplicate, s.handleReplicate
	case parts[0] == "_active_tasks":
		return EndpointActiveTasks, s.handleActiveTasks
	case parts[0] == "_node":
		return EndpointStats, s.handleStats
	case len(parts) == 1:
		switch r.Method {
		case http.MethodPut:
			return EndpointCreateDB, s.handleCreateDB
		case http.MethodPost:
			return EndpointPostDoc, s.handlePostDoc
		case http.MethodDelete:
			return EndpointDeleteDB, s.handleDeleteDB
		default:
			return EndpointDBInfo, s.handleDBInfo
		}
	}

	switch parts[1] {
	case "_bulk_docs":
		return EndpointBulkDocs, s.handleBulkDocs
	case "_all_docs":
		return EndpointAllDocs, s.handleAllDocs
	case "_changes":
		return EndpointChanges, s.handleChanges
	case "_compact":
		return EndpointCompact, s.handleOK
	case "_ensure_full_commit":
		return EndpointFullCommit, s.handleOK
	case "_purge":
		return EndpointPurge, s.handlePurge
	case "_security":
		return EndpointSecurity, s.handleSecurity
	case "_view_cleanup":
		return EndpointViewCleanup, s.handleOK
	}

	if _, att := splitDocPath(parts); att != "" {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			return EndpointGetAttachment, s.handleGetAttachment
		case http.MethodPut:
			return EndpointPutAttachment, s.handlePutAttachment
		case http.MethodDelete:
			return EndpointDeleteAttachment, s.handleDeleteAttachment
		}
	}

	switch r.Method {
	case "COPY":
		return EndpointCopyDoc, s.handleCopyDoc
	case http.MethodGet, http.MethodHead:
		return EndpointGetDoc, s.handleGetDoc
	case http.MethodPut:
		return EndpointPutDoc, s.handlePutDoc
	case http.MethodDelete:
		return EndpointDeleteDoc, s.handleDeleteDoc
	}
	return EndpointUnsupported, func(w http.ResponseWriter, _ *http.Request, _ []string) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET,HEAD,PUT,DELETE allowed")
	}
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	var parts []string
	for _, p := range strings.Split(strings.Trim(r.URL.EscapedPath(), "/"), "/") {
		if p == "" {
			continue
		}
		u, err := url.PathUnescape(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		parts = append(parts, u)
	}

	endpoint, handler := s.route(r, parts)

	s.mu.Lock()
	s.counts[endpoint]++
	s.requests = append(s.requests, r.Clone(r.Context()))
	var fail int
	if queued := s.failures[endpoint]; len(queued) > 0 {
		fail = queued[0]
		s.failures[endpoint] = queued[1:]
	}
	s.mu.Unlock()

	if fail != 0 {
		writeError(w, fail, "injected", http.StatusText(fail))
		return
	}
	switch endpoint {
	case EndpointRoot, EndpointAllDBs, EndpointUUIDs, EndpointCreateDB, EndpointUnsupported,
		EndpointReplicate, EndpointActiveTasks, EndpointStats:
	default:
		if !s.hasDB(parts[0]) {
			writeError(w, http.StatusNotFound, "not_found", "Database does not exist.")
			return
		}
	}
	handler(w, r, parts)
}

func (s *Server) hasDB(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dbs[name]
	return ok
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request, _ []string) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"couchdb": "Welcome",
		"version": "3.3.3",
		"vendor":  map[string]string{"name": "couchtest"},
	})
}

func (s *Server) handleAllDBs(w http.ResponseWriter, _ *http.Request, _ []string) {
	s.mu.Lock()
	names := make([]string, 0, len(s.dbs))
	for name := range s.dbs {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleUUIDs(w http.ResponseWriter, r *http.Request, _ []string) {
	count := 1
	if c := r.URL.Query().Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid count")
			return
		}
		count = n
	}

	s.mu.Lock()
	ids := make([]string, count)
	for i := range ids {
		s.nextUUID++
		ids[i] = fmt.Sprintf("%032x", s.nextUUID)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string][]string{"uuids": ids})
}

func (s *Server) handleCreateDB(w http.ResponseWriter, _ *http.Request, parts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[parts[0]]; ok {
		writeError(w, http.StatusPreconditionFailed, "file_exists",
			"The database could not be created, the file already exists.")
		return
	}
	s.dbs[parts[0]] = newDatabase()
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteDB(w http.ResponseWriter, _ *http.Request, parts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dbs[parts[0]]
	delete(s.dbs, parts[0])
	d.notify()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDBInfo(w http.ResponseWriter, r *http.Request, parts []string) {
	s.mu.Lock()
	d := s.dbs[parts[0]]
	var live, deleted int
	for _, doc := range d.docs {
		if doc.deleted {
			deleted++
		} else {
			live++
		}
	}
	info := map[string]interface{}{
		"db_name":             parts[0],
		"doc_count":           live,
		"doc_del_count":       deleted,
		"update_seq":          s.seqValue(d.seq),
		"purge_seq":           s.seqValue(d.purgeSeq),
		"compact_running":     false,
		"instance_start_time": "0",
	}
	s.mu.Unlock()

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func docID(parts []string) string {
	id, _ := splitDocPath(parts)
	return id
}

// splitDocPath separates the document id from a trailing attachment name.
// Ids in the _design and _local namespaces span two segments.
func splitDocPath(parts []string) (id, attachment string) {
	n := 2
	if parts[1] == "_design" || parts[1] == "_local" {
		n = 3
	}
	if len(parts) <= n {
		return strings.Join(parts[1:], "/"), ""
	}
	return strings.Join(parts[1:n], "/"), strings.Join(parts[n:], "/")
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request, parts []string) {
	id := docID(parts)

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.dbs[parts[0]].docs[id]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "missing")
		return
	}
	if doc.deleted {
		writeError(w, http.StatusNotFound, "not_found", "deleted")
		return
	}
	if rev := r.URL.Query().Get("rev"); rev != "" && rev != doc.rev() {
		writeError(w, http.StatusNotFound, "not_found", "missing")
		return
	}

	out := encodeDoc(id, doc.rev(), doc.fields())
	if r.URL.Query().Get("revs") == "true" {
		m := copyMap(doc.fields())
		m["_id"] = id
		m["_rev"] = doc.rev()
		m["_revisions"] = map[string]interface{}{
			"start": doc.gen,
			"ids":   doc.hashes,
		}
		out, _ = json.Marshal(m)
	}
	writeRaw(w, http.StatusOK, out)
}

func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request, parts []string) {
	doc, err := decodeObject(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	id := docID(parts)
	doc["_id"] = id
	if rev := r.URL.Query().Get("rev"); rev != "" {
		doc["_rev"] = rev
	}

	s.mu.Lock()
	rev, code, reason := s.dbs[parts[0]].write(doc)
	s.mu.Unlock()

	if code != "" {
		writeError(w, statusFor(code), code, reason)
		return
	}
	if r.URL.Query().Get("batch") == "ok" {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true, "id": id})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": id, "rev": rev})
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request, parts []string) {
	id := docID(parts)
	rev := r.URL.Query().Get("rev")

	s.mu.Lock()
	d := s.dbs[parts[0]]
	existing, ok := d.docs[id]
	if !ok || existing.deleted {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "missing")
		return
	}
	newRev, code, reason := d.write(map[string]interface{}{"_id": id, "_rev": rev, "_deleted": true})
	s.mu.Unlock()

	if code != "" {
		writeError(w, statusFor(code), code, reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": id, "rev": newRev})
}

func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request, parts []string) {
	var body struct {
		Docs         []map[string]interface{} `json:"docs"`
		AllOrNothing bool                     `json:"all_or_nothing"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dbs[parts[0]]

	for _, doc := range body.Docs {
		if id, _ := doc["_id"].(string); id == "" {
			s.nextUUID++
			doc["_id"] = fmt.Sprintf("%032x", s.nextUUID)
		}
	}
	if body.AllOrNothing {
		for _, doc := range body.Docs {
			if code, reason := d.check(doc); code != "" {
				writeError(w, http.StatusExpectationFailed, "expectation_failed", reason)
				return
			}
		}
	}

	results := make([]map[string]interface{}, len(body.Docs))
	for i, doc := range body.Docs {
		id := doc["_id"].(string)
		rev, code, reason := d.write(doc)
		if code != "" {
			results[i] = map[string]interface{}{"id": id, "error": code, "reason": reason}
			continue
		}
		results[i] = map[string]interface{}{"ok": true, "id": id, "rev": rev}
	}
	writeJSON(w, http.StatusCreated, results)
}

func (s *Server) handleAllDocs(w http.ResponseWriter, r *http.Request, parts []string) {
	var body struct {
		Keys []string `json:"keys"`
	}
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	includeDocs := r.URL.Query().Get("include_docs") == "true"

	s.mu.Lock()
	d := s.dbs[parts[0]]
	keys := body.Keys
	if keys == nil {
		for id, doc := range d.docs {
			if !doc.deleted {
				keys = append(keys, id)
			}
		}
		sort.Strings(keys)
	}

	rows := make([]json.RawMessage, len(keys))
	for i, key := range keys {
		doc, ok := d.docs[key]
		var row map[string]interface{}
		switch {
		case !ok:
			row = map[string]interface{}{"key": key, "error": "not_found"}
		case doc.deleted:
			row = map[string]interface{}{
				"id": key, "key": key,
				"value": map[string]interface{}{"rev": doc.rev(), "deleted": true},
			}
			if includeDocs {
				row["doc"] = nil
			}
		default:
			row = map[string]interface{}{
				"id": key, "key": key,
				"value": map[string]interface{}{"rev": doc.rev()},
			}
			if includeDocs {
				row["doc"] = json.RawMessage(encodeDoc(key, doc.rev(), doc.fields()))
			}
		}
		rows[i], _ = json.Marshal(row)
	}
	total := len(d.docs)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_rows": total,
		"offset":     0,
		"rows":       rows,
	})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request, parts []string) {
	var body map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	s.mu.Lock()
	d := s.dbs[parts[0]]
	purged := make(map[string][]string)
	for id, revs := range body {
		doc, ok := d.docs[id]
		if !ok {
			continue
		}
		for _, rev := range revs {
			if rev == doc.rev() {
				delete(d.docs, id)
				purged[id] = []string{rev}
				d.purgeSeq++
				break
			}
		}
	}
	seq := s.seqValue(d.purgeSeq)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{"purge_seq": seq, "purged": purged})
}

func (s *Server) handleOK(w http.ResponseWriter, _ *http.Request, _ []string) {
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "instance_start_time": "0"})
}

func (s *Server) changeLine(e *logEntry, includeDocs bool, d *database) []byte {
	if e.raw != "" {
		return []byte(e.raw)
	}
	m := map[string]interface{}{
		"seq":     s.seqValue(e.seq),
		"id":      e.id,
		"changes": []map[string]string{{"rev": e.rev}},
	}
	if e.deleted {
		m["deleted"] = true
	}
	if includeDocs {
		if doc, ok := d.docs[e.id]; ok {
			body := copyMap(doc.fields())
			body["_id"] = e.id
			body["_rev"] = doc.rev()
			if doc.deleted {
				body["_deleted"] = true
			}
			m["doc"] = body
		}
	}
	out, _ := json.Marshal(m)
	return out
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, parts []string) {
	q := r.URL.Query()
	includeDocs := q.Get("include_docs") == "true"
	limit, _ := strconv.Atoi(q.Get("limit"))

	s.mu.Lock()
	d := s.dbs[parts[0]]
	since := parseSeq(q.Get("since"))
	if q.Get("since") == "now" {
		since = d.seq
	}
	pos := 0
	for pos < len(d.log) && d.log[pos].seq <= since {
		pos++
	}

	if q.Get("feed") != "continuous" {
		var results []json.RawMessage
		last := since
		for _, e := range d.log[pos:] {
			if e.superseded || e.raw != "" {
				continue
			}
			if limit > 0 && len(results) >= limit {
				break
			}
			results = append(results, s.changeLine(e, includeDocs, d))
			last = e.seq
		}
		if results == nil {
			results = []json.RawMessage{}
		}
		lastSeq := s.seqValue(last)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"results":  results,
			"last_seq": lastSeq,
			"pending":  0,
		})
		return
	}
	s.mu.Unlock()

	heartbeat := time.Duration(0)
	if hb, err := strconv.Atoi(q.Get("heartbeat")); err == nil && hb > 0 {
		heartbeat = time.Duration(hb) * time.Millisecond
	}
	var tick <-chan time.Time
	if heartbeat > 0 {
		t := time.NewTicker(heartbeat)
		defer t.Stop()
		tick = t.C
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		s.mu.Lock()
		var lines [][]byte
		for ; pos < len(d.log); pos++ {
			e := d.log[pos]
			if e.superseded {
				continue
			}
			lines = append(lines, s.changeLine(e, includeDocs, d))
		}
		changed := d.changed
		s.mu.Unlock()

		for _, line := range lines {
			if _, err := w.Write(append(line, '\n')); err != nil {
				return
			}
		}
		if len(lines) > 0 && flusher != nil {
			flusher.Flush()
		}

		select {
		case <-changed:
		case <-tick:
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		}
	}
}

func statusFor(code string) int {
	switch code {
	case "conflict":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func decodeObject(r io.Reader) (map[string]interface{}, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("document must be a JSON object")
	}
	return m, nil
}

// encodeDoc writes _id and _rev first, then the remaining fields sorted.
func encodeDoc(id, rev string, body map[string]interface{}) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	idJSON, _ := json.Marshal(id)
	revJSON, _ := json.Marshal(rev)
	fmt.Fprintf(&buf, `"_id":%s,"_rev":%s`, idJSON, revJSON)

	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key, _ := json.Marshal(k)
		val, _ := json.Marshal(body[k])
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeRaw(w, status, data)
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	data, _ := json.Marshal(map[string]string{"error": code, "reason": reason})
	writeRaw(w, status, data)
}
