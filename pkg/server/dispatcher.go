package server

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"

	"github.com/fusekv/fusekv/pkg/db"
	"github.com/fusekv/fusekv/pkg/engine"
)

// handlerFunc handles one decoded request for a session
type handlerFunc func(sess *db.Session, req *Request) Response

// buildHandlers wires the static action table. The dispatcher itself is
// stateless; all state lives in the manager and the session.
func (s *Server) buildHandlers() {
	s.handlers = map[string]handlerFunc{
		"put":                  s.handlePut,
		"get":                  s.handleGet,
		"delete":               s.handleDelete,
		"merge":                s.handleMerge,
		"get_property":         s.handleGetProperty,
		"keys":                 s.handleKeys,
		"all":                  s.handleAll,
		"list_column_families": s.handleListColumnFamilies,
		"create_column_family": s.handleCreateColumnFamily,
		"drop_column_family":   s.handleDropColumnFamily,
		"compact_range":        s.handleCompactRange,
		"write_batch_put":      s.handleWriteBatchPut,
		"write_batch_merge":    s.handleWriteBatchMerge,
		"write_batch_delete":   s.handleWriteBatchDelete,
		"write_batch_write":    s.handleWriteBatchWrite,
		"write_batch_clear":    s.handleWriteBatchClear,
		"write_batch_destroy":  s.handleWriteBatchDestroy,
		"create_iterator":      s.handleCreateIterator,
		"destroy_iterator":     s.handleDestroyIterator,
		"iterator_seek":        s.handleIteratorSeek,
		"iterator_next":        s.handleIteratorNext,
		"iterator_prev":        s.handleIteratorPrev,
		"backup":               s.handleBackup,
		"restore_latest":       s.handleRestoreLatest,
		"restore":              s.handleRestore,
		"get_backup_info":      s.handleGetBackupInfo,
		"begin_transaction":    s.handleBeginTransaction,
		"commit_transaction":   s.handleCommitTransaction,
		"rollback_transaction": s.handleRollbackTransaction,
	}
}

// dispatch routes one frame. The returned closeConn flag terminates the
// connection (only auth failures request that).
func (s *Server) dispatch(sess *db.Session, frame []byte) (Response, bool) {
	req, errResp := decodeRequest(frame)
	if errResp != nil {
		return *errResp, false
	}

	if s.cfg.Token != "" && req.Token != s.cfg.Token {
		return fail("auth-failed"), true
	}

	handler, ok := s.handlers[req.Action]
	if !ok {
		return fail("unknown-action: %s", req.Action), false
	}
	return handler(sess, req), false
}

// mapError translates manager and engine errors into the wire error
// vocabulary.
func mapError(err error) Response {
	switch {
	case errors.Is(err, engine.ErrUnknownColumnFamily):
		return fail("unknown-cf: %v", err)
	case errors.Is(err, engine.ErrColumnFamilyExists):
		return fail("duplicate-cf: %v", err)
	case errors.Is(err, engine.ErrDefaultReserved):
		return fail("default-reserved: the default column family cannot be dropped")
	case errors.Is(err, engine.ErrInvalidColumnFamilyName):
		return fail("invalid-name: %v", err)
	case errors.Is(err, engine.ErrUnknownProperty):
		return fail("unknown-property: %v", err)
	case errors.Is(err, engine.ErrNoBackup):
		return fail("no-backup: no backup has been created")
	case errors.Is(err, engine.ErrUnknownBackup):
		return fail("unknown-backup: %v", err)
	case errors.Is(err, db.ErrNoActiveTxn):
		return fail("no-active-txn: no transaction is active on this session")
	case errors.Is(err, db.ErrTxnActive):
		return fail("transaction-already-active: this session already has an active transaction")
	case errors.Is(err, db.ErrUnknownIterator):
		return fail("unknown-iterator: %v", err)
	case errors.Is(err, db.ErrInvalidRange):
		return fail("invalid-range: %v", err)
	case errors.Is(err, db.ErrMalformedPatch):
		return fail("malformed-patch: %v", err)
	case errors.Is(err, db.ErrQueueClosed):
		return fail("engine-error: server is shutting down")
	default:
		return fail("engine-error: %v", err)
	}
}

func requireKey(req *Request) (string, *Response) {
	if req.Key == nil {
		resp := fail("missing-field: key")
		return "", &resp
	}
	return *req.Key, nil
}

func requireValue(req *Request) (string, *Response) {
	if req.Value == nil {
		resp := fail("missing-field: value")
		return "", &resp
	}
	return *req.Value, nil
}

func (s *Server) handlePut(sess *db.Session, req *Request) Response {
	key, errResp := requireKey(req)
	if errResp != nil {
		return *errResp
	}
	value, errResp := requireValue(req)
	if errResp != nil {
		return *errResp
	}
	if err := s.mgr.Put(sess, req.CFName, key, value, req.Txn); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleGet(sess *db.Session, req *Request) Response {
	key, errResp := requireKey(req)
	if errResp != nil {
		return *errResp
	}
	value, found, err := s.mgr.Get(sess, req.CFName, key, req.Txn)
	if err != nil {
		return mapError(err)
	}
	if !found {
		if req.DefaultValue != nil {
			return ok(*req.DefaultValue)
		}
		return okNull()
	}
	return ok(value)
}

func (s *Server) handleDelete(sess *db.Session, req *Request) Response {
	key, errResp := requireKey(req)
	if errResp != nil {
		return *errResp
	}
	if err := s.mgr.Delete(sess, req.CFName, key, req.Txn); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleMerge(sess *db.Session, req *Request) Response {
	key, errResp := requireKey(req)
	if errResp != nil {
		return *errResp
	}
	patch, errResp := requireValue(req)
	if errResp != nil {
		return *errResp
	}
	if err := s.mgr.Merge(sess, req.CFName, key, patch, req.Txn); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleGetProperty(sess *db.Session, req *Request) Response {
	name, errResp := requireKey(req)
	if errResp != nil {
		return *errResp
	}
	value, err := s.mgr.Property(req.CFName, name)
	if err != nil {
		return mapError(err)
	}
	return ok(value)
}

// keysRange reads the start/limit/query options shared by keys and all
func keysRange(req *Request) (start, limit int, query string, errResp *Response) {
	start, limit = 0, -1

	if n, present, err := req.optInt("start"); err != nil {
		resp := fail("invalid-range: %v", err)
		return 0, 0, "", &resp
	} else if present {
		start = int(n)
	}
	if n, present, err := req.optInt("limit"); err != nil {
		resp := fail("invalid-range: %v", err)
		return 0, 0, "", &resp
	} else if present {
		limit = int(n)
	}
	query, _ = req.optString("query")
	return start, limit, query, nil
}

func marshalList(list []string) Response {
	data, err := json.Marshal(list)
	if err != nil {
		return fail("engine-error: %v", err)
	}
	return ok(string(data))
}

func (s *Server) handleKeys(sess *db.Session, req *Request) Response {
	start, limit, query, errResp := keysRange(req)
	if errResp != nil {
		return *errResp
	}
	keys, err := s.mgr.Keys(req.CFName, start, limit, query)
	if err != nil {
		return mapError(err)
	}
	return marshalList(keys)
}

func (s *Server) handleAll(sess *db.Session, req *Request) Response {
	query, _ := req.optString("query")
	keys, err := s.mgr.All(req.CFName, query)
	if err != nil {
		return mapError(err)
	}
	return marshalList(keys)
}

func (s *Server) handleListColumnFamilies(sess *db.Session, req *Request) Response {
	names := s.mgr.ListColumnFamilies()
	sort.Strings(names)
	return marshalList(names)
}

// columnFamilyName reads the target name for create/drop, accepting the
// cf_name field or, for older clients, the key field.
func columnFamilyName(req *Request) (string, *Response) {
	if req.CFName != "" {
		return req.CFName, nil
	}
	if req.Key != nil && *req.Key != "" {
		return *req.Key, nil
	}
	resp := fail("missing-field: cf_name")
	return "", &resp
}

func (s *Server) handleCreateColumnFamily(sess *db.Session, req *Request) Response {
	name, errResp := columnFamilyName(req)
	if errResp != nil {
		return *errResp
	}
	if err := s.mgr.CreateColumnFamily(name); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleDropColumnFamily(sess *db.Session, req *Request) Response {
	name, errResp := columnFamilyName(req)
	if errResp != nil {
		return *errResp
	}
	if err := s.mgr.DropColumnFamily(name); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleCompactRange(sess *db.Session, req *Request) Response {
	start, _ := req.optString("start")
	end, _ := req.optString("end")
	if err := s.mgr.CompactRange(req.CFName, start, end); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleWriteBatchPut(sess *db.Session, req *Request) Response {
	key, errResp := requireKey(req)
	if errResp != nil {
		return *errResp
	}
	value, errResp := requireValue(req)
	if errResp != nil {
		return *errResp
	}
	if err := sess.BatchPut(req.CFName, key, value); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleWriteBatchMerge(sess *db.Session, req *Request) Response {
	key, errResp := requireKey(req)
	if errResp != nil {
		return *errResp
	}
	patch, errResp := requireValue(req)
	if errResp != nil {
		return *errResp
	}
	if err := sess.BatchMerge(req.CFName, key, patch); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleWriteBatchDelete(sess *db.Session, req *Request) Response {
	key, errResp := requireKey(req)
	if errResp != nil {
		return *errResp
	}
	if err := sess.BatchDelete(req.CFName, key); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleWriteBatchWrite(sess *db.Session, req *Request) Response {
	if err := sess.BatchWrite(); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleWriteBatchClear(sess *db.Session, req *Request) Response {
	sess.BatchClear()
	return okNull()
}

func (s *Server) handleWriteBatchDestroy(sess *db.Session, req *Request) Response {
	sess.BatchDestroy()
	return okNull()
}

func (s *Server) handleCreateIterator(sess *db.Session, req *Request) Response {
	id, err := s.mgr.CreateIterator(sess, req.CFName)
	if err != nil {
		return mapError(err)
	}
	return ok(strconv.FormatInt(id, 10))
}

func iteratorID(req *Request) (int64, *Response) {
	id, present, err := req.iteratorHandle()
	if err != nil {
		resp := fail("%v", err)
		return 0, &resp
	}
	if !present {
		resp := fail("missing-field: iterator_id")
		return 0, &resp
	}
	return id, nil
}

func (s *Server) handleDestroyIterator(sess *db.Session, req *Request) Response {
	id, errResp := iteratorID(req)
	if errResp != nil {
		return *errResp
	}
	if err := s.mgr.DestroyIterator(sess, id); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleIteratorSeek(sess *db.Session, req *Request) Response {
	id, errResp := iteratorID(req)
	if errResp != nil {
		return *errResp
	}
	key, errResp := requireKey(req)
	if errResp != nil {
		return *errResp
	}

	forward := true
	if dir, present := req.optString("direction"); present {
		switch dir {
		case "forward":
			forward = true
		case "reverse":
			forward = false
		default:
			return fail("type-mismatch: direction")
		}
	}

	result, err := s.mgr.IteratorSeek(id, key, forward)
	if err != nil {
		return mapError(err)
	}
	return ok(result)
}

func (s *Server) handleIteratorNext(sess *db.Session, req *Request) Response {
	id, errResp := iteratorID(req)
	if errResp != nil {
		return *errResp
	}
	result, err := s.mgr.IteratorNext(id)
	if err != nil {
		return mapError(err)
	}
	return ok(result)
}

func (s *Server) handleIteratorPrev(sess *db.Session, req *Request) Response {
	id, errResp := iteratorID(req)
	if errResp != nil {
		return *errResp
	}
	result, err := s.mgr.IteratorPrev(id)
	if err != nil {
		return mapError(err)
	}
	return ok(result)
}

func (s *Server) handleBackup(sess *db.Session, req *Request) Response {
	id, err := s.mgr.Backup()
	if err != nil {
		return mapError(err)
	}
	return ok(strconv.FormatUint(uint64(id), 10))
}

func (s *Server) handleRestoreLatest(sess *db.Session, req *Request) Response {
	if err := s.mgr.RestoreLatest(); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleRestore(sess *db.Session, req *Request) Response {
	id, present, err := req.backupHandle()
	if err != nil {
		return fail("%v", err)
	}
	if !present {
		return fail("missing-field: backup_id")
	}
	if err := s.mgr.Restore(id); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleGetBackupInfo(sess *db.Session, req *Request) Response {
	infos, err := s.mgr.BackupInfo()
	if err != nil {
		return mapError(err)
	}
	data, err := json.Marshal(infos)
	if err != nil {
		return fail("engine-error: %v", err)
	}
	return ok(string(data))
}

func (s *Server) handleBeginTransaction(sess *db.Session, req *Request) Response {
	id, err := s.mgr.BeginTransaction(sess)
	if err != nil {
		return mapError(err)
	}
	return ok(strconv.FormatInt(id, 10))
}

func (s *Server) handleCommitTransaction(sess *db.Session, req *Request) Response {
	if err := s.mgr.CommitTransaction(sess); err != nil {
		return mapError(err)
	}
	return okNull()
}

func (s *Server) handleRollbackTransaction(sess *db.Session, req *Request) Response {
	if err := s.mgr.RollbackTransaction(sess); err != nil {
		return mapError(err)
	}
	return okNull()
}
