package couchtest

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type attachment struct {
	contentType string
	data        []byte
	revpos      int
}

func (a *attachment) stub() map[string]interface{} {
	sum := md5.Sum(a.data)
	return map[string]interface{}{
		"content_type": a.contentType,
		"digest":       "md5-" + base64.StdEncoding.EncodeToString(sum[:]),
		"length":       len(a.data),
		"revpos":       a.revpos,
		"stub":         true,
	}
}

// attachmentsFor resolves the _attachments field of an incoming write.
// Stubs keep the current attachment of that name, inline data replaces it,
// and names left out are dropped.
func attachmentsFor(existing *document, raw interface{}) map[string]*attachment {
	in, _ := raw.(map[string]interface{})
	out := make(map[string]*attachment, len(in))
	for name, v := range in {
		switch a := v.(type) {
		case *attachment:
			out[name] = a
		case map[string]interface{}:
			if data, ok := a["data"].(string); ok {
				decoded, err := base64.StdEncoding.DecodeString(data)
				if err != nil {
					continue
				}
				ct, _ := a["content_type"].(string)
				out[name] = &attachment{contentType: ct, data: decoded}
				continue
			}
			if cur, ok := existing.attachments[name]; ok {
				out[name] = cur
			}
		}
	}
	return out
}

// withAttachments returns the write that keeps every current attachment of
// doc and applies change to the set.
func withAttachments(id, rev string, doc *document, change func(map[string]interface{})) map[string]interface{} {
	atts := make(map[string]interface{})
	out := map[string]interface{}{"_id": id}
	if rev != "" {
		out["_rev"] = rev
	}
	if doc != nil && !doc.deleted {
		for k, v := range doc.body {
			out[k] = v
		}
		for name, a := range doc.attachments {
			atts[name] = a
		}
	}
	change(atts)
	out["_attachments"] = atts
	return out
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request, parts []string) {
	id, name := splitDocPath(parts)

	s.mu.Lock()
	doc, ok := s.dbs[parts[0]].docs[id]
	var att *attachment
	if ok && !doc.deleted {
		att = doc.attachments[name]
	}
	s.mu.Unlock()

	if att == nil {
		writeError(w, http.StatusNotFound, "not_found", "Document is missing attachment")
		return
	}
	w.Header().Set("Content-Type", att.contentType)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(att.data)
	}
}

func (s *Server) handlePutAttachment(w http.ResponseWriter, r *http.Request, parts []string) {
	id, name := splitDocPath(parts)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}

	s.mu.Lock()
	d := s.dbs[parts[0]]
	doc := withAttachments(id, r.URL.Query().Get("rev"), d.docs[id], func(atts map[string]interface{}) {
		atts[name] = &attachment{contentType: ct, data: data}
	})
	rev, code, reason := d.write(doc)
	s.mu.Unlock()

	if code != "" {
		writeError(w, statusFor(code), code, reason)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": id, "rev": rev})
}

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request, parts []string) {
	id, name := splitDocPath(parts)

	s.mu.Lock()
	d := s.dbs[parts[0]]
	existing, ok := d.docs[id]
	if !ok || existing.deleted || existing.attachments[name] == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "Document is missing attachment")
		return
	}
	doc := withAttachments(id, r.URL.Query().Get("rev"), existing, func(atts map[string]interface{}) {
		delete(atts, name)
	})
	rev, code, reason := d.write(doc)
	s.mu.Unlock()

	if code != "" {
		writeError(w, statusFor(code), code, reason)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": id, "rev": rev})
}

func (s *Server) handleCopyDoc(w http.ResponseWriter, r *http.Request, parts []string) {
	dest := r.Header.Get("Destination")
	if dest == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Destination header is mandatory for COPY.")
		return
	}
	destPath, rawQuery, _ := strings.Cut(dest, "?")
	destID, err := url.PathUnescape(destPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	query, _ := url.ParseQuery(rawQuery)

	s.mu.Lock()
	d := s.dbs[parts[0]]
	src, ok := d.docs[docID(parts)]
	if !ok || src.deleted {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "missing")
		return
	}
	doc := withAttachments(destID, query.Get("rev"), src, func(map[string]interface{}) {})
	rev, code, reason := d.write(doc)
	s.mu.Unlock()

	if code != "" {
		writeError(w, statusFor(code), code, reason)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": destID, "rev": rev})
}

func (s *Server) handlePostDoc(w http.ResponseWriter, r *http.Request, parts []string) {
	doc, err := decodeObject(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	s.mu.Lock()
	if id, _ := doc["_id"].(string); id == "" {
		s.nextUUID++
		doc["_id"] = fmt.Sprintf("%032x", s.nextUUID)
	}
	id := doc["_id"].(string)
	rev, code, reason := s.dbs[parts[0]].write(doc)
	s.mu.Unlock()

	if code != "" {
		writeError(w, statusFor(code), code, reason)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": id, "rev": rev})
}

func (s *Server) handleSecurity(w http.ResponseWriter, r *http.Request, parts []string) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		sec := s.dbs[parts[0]].security
		s.mu.Unlock()
		if sec == nil {
			sec = map[string]interface{}{}
		}
		writeJSON(w, http.StatusOK, sec)
	case http.MethodPut:
		sec, err := decodeObject(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		s.mu.Lock()
		s.dbs[parts[0]].security = sec
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET,PUT allowed")
	}
}
