package offcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// ErrStorageClosed is returned by operations issued after Close.
var ErrStorageClosed = errors.New("offcache: storage closed")

// Key layout:
//
//	b:<bucket>              -> gob(bucketMeta)
//	e:<bucket>\x00<request> -> gob(CacheEntry)
const (
	bucketPrefix = "b:"
	entryPrefix  = "e:"
	keySep       = "\x00"
)

type bucketMeta struct {
	Seq       uint64
	CreatedAt int64
}

type storageOp struct {
	bucket string
	key    string
	ent    *CacheEntry

	// sync ops run fn on the writer goroutine and report on res.
	fn  func() error
	res chan error
}

// Storage is a set of named buckets persisted in leveldb. All mutations are
// applied by a single writer goroutine, so bucket deletes are ordered after
// every write queued before them. Single-entry reads go straight to leveldb.
type Storage struct {
	db *leveldb.DB

	mu      sync.Mutex
	buckets map[string]bucketMeta
	nextSeq uint64

	sendMu sync.RWMutex
	closed bool
	ops    chan storageOp
	done   chan struct{}

	log         *zap.Logger
	overflowLog *rateLimitedLogger
}

// OpenStorage opens (or creates) the leveldb database at path.
func OpenStorage(path string, o *opt.Options, log *zap.Logger) (*Storage, error) {
	db, err := leveldb.OpenFile(path, o)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newStorage(db, log)
}

// OpenMemoryStorage returns a Storage backed by an in-memory leveldb.
func OpenMemoryStorage(log *zap.Logger) (*Storage, error) {
	db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStorage(db, log)
}

func newStorage(db *leveldb.DB, log *zap.Logger) (*Storage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Storage{
		db:          db,
		buckets:     map[string]bucketMeta{},
		ops:         make(chan storageOp, 1024),
		done:        make(chan struct{}),
		log:         log,
		overflowLog: newRateLimitedLogger(log, time.Minute),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

func (s *Storage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(bucketPrefix)), nil)
	defer it.Release()

	idx := map[string]bucketMeta{}
	var maxSeq uint64
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(bucketPrefix)))
		var meta bucketMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			s.log.Warn("skipping unreadable bucket record", zap.String("bucket", name), zap.Error(err))
			continue
		}
		idx[name] = meta
		if meta.Seq > maxSeq {
			maxSeq = meta.Seq
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.buckets = idx
	s.nextSeq = maxSeq + 1
	s.mu.Unlock()
	return nil
}

// Close drains queued writes and closes the database.
func (s *Storage) Close() error {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.sendMu.Unlock()

	<-s.done
	return s.db.Close()
}

// Open returns the named bucket, creating it if needed.
func (s *Storage) Open(ctx context.Context, name string) (*Bucket, error) {
	err := s.do(ctx, func() error {
		batch := new(leveldb.Batch)
		s.ensureBucket(batch, name)
		return s.db.Write(batch, nil)
	})
	if err != nil {
		return nil, err
	}
	return &Bucket{s: s, name: name}, nil
}

// Bucket returns a handle without creating the bucket; the first write
// through it does.
func (s *Storage) Bucket(name string) *Bucket {
	return &Bucket{s: s, name: name}
}

// Has reports whether a bucket with that name exists.
func (s *Storage) Has(name string) bool {
	s.mu.Lock()
	_, ok := s.buckets[name]
	s.mu.Unlock()
	return ok
}

// Keys returns bucket names in creation order.
func (s *Storage) Keys() []string {
	s.mu.Lock()
	type named struct {
		name string
		seq  uint64
	}
	items := make([]named, 0, len(s.buckets))
	for n, m := range s.buckets {
		items = append(items, named{n, m.Seq})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.name
	}
	return out
}

// Delete removes a bucket and every entry in it. It reports whether the
// bucket existed.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	var existed bool
	err := s.do(ctx, func() error {
		s.mu.Lock()
		_, existed = s.buckets[name]
		s.mu.Unlock()
		if !existed {
			return nil
		}
		return s.applyDeleteBucket(name)
	})
	return existed, err
}

// Match looks the request key up in every bucket, oldest bucket first.
func (s *Storage) Match(key string) (CacheEntry, bool) {
	for _, name := range s.Keys() {
		if ent, ok := s.get(name, key); ok {
			return ent, true
		}
	}
	return CacheEntry{}, false
}

// Flush waits until every write queued before the call has been applied.
func (s *Storage) Flush(ctx context.Context) error {
	return s.do(ctx, func() error { return nil })
}

func (s *Storage) get(bucket, key string) (CacheEntry, bool) {
	b, err := s.db.Get(entryKey(bucket, key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

func (s *Storage) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	s.sendMu.RLock()
	if s.closed {
		s.sendMu.RUnlock()
		return ErrStorageClosed
	}
	select {
	case s.ops <- storageOp{fn: fn, res: res}:
	case <-ctx.Done():
		s.sendMu.RUnlock()
		return ctx.Err()
	}
	s.sendMu.RUnlock()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Storage) enqueue(op storageOp) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ops <- op:
		return true
	default:
		s.overflowLog.Warn("cache write queue full, dropping write", zap.String("bucket", op.bucket), zap.String("key", op.key))
		return false
	}
}

func (s *Storage) writerLoop() {
	defer close(s.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range s.ops {
		if op.fn != nil {
			op.res <- op.fn()
			continue
		}
		if op.ent != nil {
			if err := s.applyPut(op.bucket, op.key, *op.ent); err != nil {
				s.overflowLog.Warn("cache write failed", zap.String("bucket", op.bucket), zap.String("key", op.key), zap.Error(err))
			}
		}
	}
}

// ensureBucket registers the bucket in batch if it is new. Only called
// on the writer goroutine.
func (s *Storage) ensureBucket(batch *leveldb.Batch, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; ok {
		return
	}
	meta := bucketMeta{Seq: s.nextSeq, CreatedAt: time.Now().Unix()}
	s.nextSeq++
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}
	batch.Put([]byte(bucketPrefix+name), mb)
	s.buckets[name] = meta
}

func (s *Storage) applyPut(bucket, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	s.ensureBucket(batch, bucket)
	batch.Put(entryKey(bucket, key), b)
	return s.db.Write(batch, nil)
}

func (s *Storage) applyPutAll(bucket string, ents []CacheEntry) error {
	batch := new(leveldb.Batch)
	for _, ent := range ents {
		b, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ent.URL, err)
		}
		batch.Put(entryKey(bucket, ent.URL), b)
	}
	s.ensureBucket(batch, bucket)
	return s.db.Write(batch, nil)
}

func (s *Storage) applyDeleteBucket(name string) error {
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryKey(name, "")), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete([]byte(bucketPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.buckets, name)
	s.mu.Unlock()
	return nil
}

func entryKey(bucket, key string) []byte {
	return []byte(entryPrefix + bucket + keySep + key)
}

// Bucket is a handle on one named bucket. Handles stay valid across deletes;
// writing to a deleted bucket recreates it.
type Bucket struct {
	s    *Storage
	name string
}

func (b *Bucket) Name() string { return b.name }

func (b *Bucket) Match(key string) (CacheEntry, bool) {
	return b.s.get(b.name, key)
}

// Put writes the entry and waits for it to be applied.
func (b *Bucket) Put(ctx context.Context, key string, ent CacheEntry) error {
	return b.s.do(ctx, func() error { return b.s.applyPut(b.name, key, ent) })
}

// PutAsync queues the write and returns immediately. Failures are logged.
func (b *Bucket) PutAsync(key string, ent CacheEntry) {
	clone := ent
	b.s.enqueue(storageOp{bucket: b.name, key: key, ent: &clone})
}

// PutAll writes every entry, keyed by its URL, in a single batch.
func (b *Bucket) PutAll(ctx context.Context, ents []CacheEntry) error {
	return b.s.do(ctx, func() error { return b.s.applyPutAll(b.name, ents) })
}

// Keys returns the request keys stored in the bucket, sorted.
func (b *Bucket) Keys() ([]string, error) {
	prefix := entryKey(b.name, "")
	it := b.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

func (b *Bucket) Count() (int, error) {
	keys, err := b.Keys()
	return len(keys), err
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
