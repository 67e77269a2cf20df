// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package coordinator implements the array-open/close coordination layer:
// dual read/write registries with reference counting, layered locking,
// fragment discovery and parallel metadata loading, cancellable
// asynchronous query dispatch, and the public storage-coordinator surface
// composing all of it.
package coordinator

import (
	"context"
	"math"
	"strconv"
	"sync"

	"github.com/molecula/arraydb/errors"
	"github.com/molecula/arraydb/internal/config"
	"github.com/molecula/arraydb/internal/errcodes"
	"github.com/molecula/arraydb/internal/fragment"
	"github.com/molecula/arraydb/internal/objtree"
	"github.com/molecula/arraydb/internal/objtype"
	"github.com/molecula/arraydb/internal/pool"
	"github.com/molecula/arraydb/internal/query"
	"github.com/molecula/arraydb/internal/schema"
	"github.com/molecula/arraydb/internal/tilecache"
	"github.com/molecula/arraydb/internal/vfs"
	"github.com/molecula/arraydb/logger"
)

const lockFileName = "__lockfile"

func lockFileURI(arrayURI vfs.URI) vfs.URI { return arrayURI.Join(lockFileName) }

// FragmentInfo describes one fragment as returned by GetFragmentInfo.
type FragmentInfo struct {
	Timestamp uint64
	URI       vfs.URI
	Sparse    bool
}

// SchemaGeometry is the external per-coordinate-datatype collaborator that
// the coordinator defers to for anything touching actual domain geometry.
type SchemaGeometry interface {
	// EstimateReadBufferSizes returns a per-attribute byte estimate for a
	// read over subarray, given the fragments' metadata.
	EstimateReadBufferSizes(sch *schema.Schema, metas []FragmentMetadata, subarray []byte) (map[string]uint64, error)
	// UnionNonEmptyDomain folds one fragment's non-empty domain into acc,
	// returning the updated union. Called once per fragment in order.
	UnionNonEmptyDomain(sch *schema.Schema, acc []byte, m FragmentMetadata) ([]byte, error)
}

// Consolidator is the external collaborator that performs consolidation;
// the coordinator only holds the xlock and hands it the fragment list.
type Consolidator interface {
	Consolidate(ctx context.Context, uri vfs.URI, fragments []FragmentInfo) error
}

// Coordinator composes registry, locking, fragment-discovery and task
// dispatch behind a single public surface.
type Coordinator struct {
	log logger.Logger

	vfs   *vfs.Facade
	cfg   *config.Config
	pools *pool.Pools
	cache *tilecache.Cache

	readRegistry  *registry
	writeRegistry *registry
	xlock         *xlockManager
	tasks         *taskQueue

	cancelMu  sync.Mutex
	cancelled bool

	inProgressMu   sync.Mutex
	inProgressCond *sync.Cond
	inProgress     int

	metadataFactory  MetadataFactory
	schemaSerializer schema.Serializer
	consolidator     Consolidator
	geometry         SchemaGeometry
	dedup            *fragment.DedupIndex
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// OptLogger sets the coordinator's logger. Defaults to logger.NopLogger.
func OptLogger(l logger.Logger) Option { return func(c *Coordinator) { c.log = l } }

// OptMetadataFactory installs the fragment-metadata constructor the
// parallel loader uses.
func OptMetadataFactory(f MetadataFactory) Option {
	return func(c *Coordinator) { c.metadataFactory = f }
}

// OptSchemaSerializer installs the array-schema (de)serializer.
func OptSchemaSerializer(s schema.Serializer) Option {
	return func(c *Coordinator) { c.schemaSerializer = s }
}

// OptConsolidator installs the consolidation collaborator.
func OptConsolidator(cs Consolidator) Option {
	return func(c *Coordinator) { c.consolidator = cs }
}

// OptSchemaGeometry installs the per-coordinate-datatype geometry helper.
func OptSchemaGeometry(g SchemaGeometry) Option {
	return func(c *Coordinator) { c.geometry = g }
}

// OptDedupIndex installs an on-disk fragment-metadata dedup index that
// records every fragment successfully loaded, surviving process
// restarts. The in-memory per-entry dedup in loadFragmentMetadata still
// governs whether a Load call happens within one open; this index is
// consulted only to decide whether a load is a fragment's first ever
// or a repeat, which the coordinator surfaces through its logger for
// operational visibility rather than skipping validation work.
func OptDedupIndex(d *fragment.DedupIndex) Option {
	return func(c *Coordinator) { c.dedup = d }
}

// New constructs a Coordinator bound to v. Init must be called before use.
func New(v *vfs.Facade, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:           logger.NopLogger,
		vfs:           v,
		readRegistry:  newRegistry(),
		writeRegistry: newRegistry(),
		xlock:         newXlockManager(),
		tasks:         newTaskQueue(),
	}
	c.inProgressCond = sync.NewCond(&c.inProgressMu)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init sizes the worker pools and tile cache from cfg and initializes the
// VFS backends with the vfs.* sub-map.
func (c *Coordinator) Init(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg
	c.pools = pool.NewPools(
		cfg.StorageManager.NumAsyncThreads,
		cfg.StorageManager.NumReaderThreads,
		cfg.StorageManager.NumWriterThreads,
	)
	c.cache = tilecache.New(cfg.StorageManager.TileCacheSize)
	return c.vfs.Init(cfg.VFS)
}

// Close releases every filelock still held by a read entry, drops all
// entries, waits for the pools to drain, and terminates the VFS.
func (c *Coordinator) Close() error {
	ctx := context.Background()

	c.readRegistry.Lock()
	for uri, e := range c.readRegistry.entries {
		if e.FileLock() != vfs.InvalidFileLock {
			if err := c.vfs.FilelockUnlock(ctx, lockFileURI(uri), e.FileLock()); err != nil {
				c.log.Errorf("releasing filelock for %s during shutdown: %v", uri, err)
			}
		}
		c.readRegistry.Delete(uri)
	}
	c.readRegistry.Unlock()

	c.writeRegistry.Lock()
	for uri := range c.writeRegistry.entries {
		c.writeRegistry.Delete(uri)
	}
	c.writeRegistry.Unlock()

	c.xlock.mu.Lock()
	for uri, lock := range c.xlock.table {
		if err := c.vfs.FilelockUnlock(ctx, lockFileURI(uri), lock); err != nil {
			c.log.Errorf("releasing xlock for %s during shutdown: %v", uri, err)
		}
	}
	c.xlock.table = make(map[vfs.URI]vfs.FileLock)
	c.xlock.mu.Unlock()

	if c.pools != nil {
		c.pools.Join()
	}
	return c.vfs.Terminate()
}

func (c *Coordinator) Pools() *pool.Pools  { return c.pools }
func (c *Coordinator) VFS() *vfs.Facade    { return c.vfs }
func (c *Coordinator) Cache() *tilecache.Cache { return c.cache }

// --- Passthrough VFS operations -------------------------------------------------

func (c *Coordinator) CreateDir(ctx context.Context, uri vfs.URI) error { return c.vfs.CreateDir(ctx, uri) }
func (c *Coordinator) Touch(ctx context.Context, uri vfs.URI) error     { return c.vfs.Touch(ctx, uri) }
func (c *Coordinator) IsFile(ctx context.Context, uri vfs.URI) (bool, error) {
	return c.vfs.IsFile(ctx, uri)
}
func (c *Coordinator) IsDir(ctx context.Context, uri vfs.URI) (bool, error) {
	return c.vfs.IsDir(ctx, uri)
}
func (c *Coordinator) Read(ctx context.Context, uri vfs.URI, offset int64, buf []byte) (int, error) {
	return c.vfs.Read(ctx, uri, offset, buf)
}
func (c *Coordinator) Write(ctx context.Context, uri vfs.URI, data []byte) error {
	return c.vfs.Write(ctx, uri, data)
}
func (c *Coordinator) Sync(ctx context.Context, uri vfs.URI) error { return c.vfs.Sync(ctx, uri) }
func (c *Coordinator) CloseFile(ctx context.Context, uri vfs.URI) error {
	return c.vfs.CloseFile(ctx, uri)
}

// --- Object type & tree -----------------------------------------------------

// ObjectType classifies uri by probing for its sentinel files.
func (c *Coordinator) ObjectType(ctx context.Context, uri vfs.URI) (objtype.Type, error) {
	isArray, err := c.vfs.IsFile(ctx, uri.Join(objtype.ArraySchemaFile))
	if err != nil {
		return objtype.Invalid, err
	}
	if isArray {
		return objtype.Array, nil
	}
	isKV, err := c.vfs.IsFile(ctx, uri.Join(objtype.KVSchemaFile))
	if err != nil {
		return objtype.Invalid, err
	}
	if isKV {
		return objtype.KeyValue, nil
	}
	isGroup, err := c.vfs.IsFile(ctx, uri.Join(objtype.GroupMarkerFile))
	if err != nil {
		return objtype.Invalid, err
	}
	if isGroup {
		return objtype.Group, nil
	}
	return objtype.Invalid, nil
}

func (c *Coordinator) IsArray(ctx context.Context, uri vfs.URI) (bool, error) {
	t, err := c.ObjectType(ctx, uri)
	return t == objtype.Array, err
}

func (c *Coordinator) IsGroup(ctx context.Context, uri vfs.URI) (bool, error) {
	t, err := c.ObjectType(ctx, uri)
	return t == objtype.Group, err
}

func (c *Coordinator) IsKV(ctx context.Context, uri vfs.URI) (bool, error) {
	t, err := c.ObjectType(ctx, uri)
	return t == objtype.KeyValue, err
}

func (c *Coordinator) IsFragment(ctx context.Context, uri vfs.URI) (bool, error) {
	return c.vfs.IsFile(ctx, uri.Join(fragment.MetadataFileName))
}

func (c *Coordinator) ObjectRemove(ctx context.Context, uri vfs.URI) error {
	return c.vfs.RemoveDir(ctx, uri)
}

func (c *Coordinator) ObjectMove(ctx context.Context, from, to vfs.URI) error {
	return c.vfs.MoveDir(ctx, from, to)
}

// ObjectIterBegin returns a pre-order or post-order cursor over root's
// object tree; root itself is never yielded, only its valid descendants.
// The returned iterator needs no explicit Free; it holds no resources
// beyond in-memory deques.
func (c *Coordinator) ObjectIterBegin(ctx context.Context, root vfs.URI, order objtree.Order, recursive bool) (*objtree.Iterator, error) {
	return objtree.Begin(ctx, c.vfs, c.ObjectType, root, order, recursive)
}

// --- Creation -----------------------------------------------------------------

// GroupCreate creates a group directory and its marker file, rolling back
// the directory if the marker write fails.
func (c *Coordinator) GroupCreate(ctx context.Context, uri vfs.URI) error {
	if err := c.vfs.CreateDir(ctx, uri); err != nil {
		return err
	}
	if err := c.vfs.Touch(ctx, uri.Join(objtype.GroupMarkerFile)); err != nil {
		_ = c.vfs.RemoveDir(ctx, uri)
		return err
	}
	return nil
}

// ArrayCreate creates an array directory and stores its schema, rolling
// back the directory on any failure after creation.
func (c *Coordinator) ArrayCreate(ctx context.Context, uri vfs.URI, kind objtype.Type, sch *schema.Schema) error {
	if kind != objtype.Array && kind != objtype.KeyValue {
		return errors.New(errcodes.InvalidArgument, "ArrayCreate requires ARRAY or KEY_VALUE object type")
	}
	if err := c.vfs.CreateDir(ctx, uri); err != nil {
		return err
	}
	if err := c.StoreArraySchema(ctx, uri.Join(schemaFileName(kind)), sch); err != nil {
		_ = c.vfs.RemoveDir(ctx, uri)
		return err
	}
	return nil
}

func schemaFileName(kind objtype.Type) string {
	if kind == objtype.KeyValue {
		return objtype.KVSchemaFile
	}
	return objtype.ArraySchemaFile
}

// --- Schema I/O -----------------------------------------------------------------

// StoreArraySchema serializes sch (via the configured Serializer, if any)
// behind a generic-tile header and writes it to schemaURI.
func (c *Coordinator) StoreArraySchema(ctx context.Context, schemaURI vfs.URI, sch *schema.Schema) error {
	payload := sch.Body
	if c.schemaSerializer != nil {
		p, err := c.schemaSerializer.Serialize(sch)
		if err != nil {
			return err
		}
		payload = p
	}
	hdr := schema.GenericTileHeader{Version: 1, Encryption: sch.Encryption, PayloadLength: uint64(len(payload))}
	buf := append(schema.EncodeHeader(hdr), payload...)
	return c.vfs.Write(ctx, schemaURI, buf)
}

// LoadArraySchema reads and decodes the generic-tile header at schemaURI,
// then hands the opaque payload to the configured Serializer.
func (c *Coordinator) LoadArraySchema(ctx context.Context, schemaURI vfs.URI, key schema.EncryptionKey) (*schema.Schema, error) {
	ok, err := c.vfs.IsFile(ctx, schemaURI)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errcodes.NotFound, "schema file not found: "+schemaURI.String())
	}
	header := make([]byte, schema.HeaderSize())
	if _, err := c.vfs.Read(ctx, schemaURI, 0, header); err != nil {
		return nil, err
	}
	hdr, err := schema.DecodeHeader(header)
	if err != nil {
		return nil, err
	}
	var payload []byte
	if hdr.PayloadLength > 0 {
		payload = make([]byte, hdr.PayloadLength)
		if _, err := c.vfs.Read(ctx, schemaURI, int64(len(header)), payload); err != nil {
			return nil, err
		}
	}
	if c.schemaSerializer == nil {
		return &schema.Schema{Encryption: hdr.Encryption, Body: payload}, nil
	}
	sch, err := c.schemaSerializer.Deserialize(payload)
	if err != nil {
		return nil, err
	}
	sch.Encryption = hdr.Encryption
	return sch, nil
}

func (c *Coordinator) loadSchemaForOpen(ctx context.Context, uri vfs.URI, kind objtype.Type) (*schema.Schema, error) {
	return c.LoadArraySchema(ctx, uri.Join(schemaFileName(kind)), schema.NoEncryption)
}

// ArrayGetEncryption reports the encryption kind recorded in an array's
// schema header, without requiring the array to be open.
func (c *Coordinator) ArrayGetEncryption(ctx context.Context, uri vfs.URI) (schema.EncryptionKind, error) {
	kind, err := c.ObjectType(ctx, uri)
	if err != nil {
		return schema.EncryptionNone, err
	}
	if kind != objtype.Array && kind != objtype.KeyValue {
		return schema.EncryptionNone, errors.New(errcodes.InvalidArgument, "not an array or key-value store: "+uri.String())
	}
	header := make([]byte, schema.HeaderSize())
	if _, err := c.vfs.Read(ctx, uri.Join(schemaFileName(kind)), 0, header); err != nil {
		return schema.EncryptionNone, err
	}
	hdr, err := schema.DecodeHeader(header)
	if err != nil {
		return schema.EncryptionNone, err
	}
	return hdr.Encryption, nil
}

// --- Open/close for reads -------------------------------------------------

// acquireReadEntry performs step 2 and step 3 of the open-for-reads
// protocol: find-or-create the read entry under the registry+xlock
// mutexes, reconcile the encryption key, bump the refcount, lock the
// entry, and acquire the shared filelock if not already held. The entry
// is returned locked; callers must Unlock it before releasing it via
// ArrayCloseForReads on any subsequent failure.
func (c *Coordinator) acquireReadEntry(ctx context.Context, uri vfs.URI, key schema.EncryptionKey) (*Entry, error) {
	c.xlock.mu.Lock()
	c.readRegistry.Lock()
	entry, existed := c.readRegistry.Get(uri)
	if !existed {
		entry = newEntry(ModeRead)
		c.readRegistry.Set(uri, entry)
	}
	if err := entry.SetEncryptionKey(key); err != nil {
		c.readRegistry.Unlock()
		c.xlock.mu.Unlock()
		return nil, err
	}
	entry.RefcountIncr()
	entry.Lock()
	c.readRegistry.Unlock()
	c.xlock.mu.Unlock()

	if entry.FileLock() == vfs.InvalidFileLock {
		lock, err := c.vfs.FilelockLock(ctx, lockFileURI(uri), vfs.LockShared)
		if err != nil {
			entry.Unlock()
			_ = c.ArrayCloseForReads(ctx, uri)
			return nil, err
		}
		entry.SetFileLock(lock)
	}
	return entry, nil
}

// ArrayOpenForReads opens uri for reads at snapshot timestamp t.
func (c *Coordinator) ArrayOpenForReads(ctx context.Context, uri vfs.URI, t uint64, key schema.EncryptionKey) (*schema.Schema, []FragmentMetadata, error) {
	return c.openForReads(ctx, uri, key, func(ctx context.Context) ([]fragment.Info, error) {
		uris, err := fragment.GetFragmentURIs(ctx, c.vfs, uri)
		if err != nil {
			return nil, err
		}
		return fragment.GetSortedFragmentURIs(uris, t)
	})
}

// ArrayOpenForReadsAtFragments opens uri for reads against a caller-supplied
// fragment list used verbatim.
func (c *Coordinator) ArrayOpenForReadsAtFragments(ctx context.Context, uri vfs.URI, fragments []vfs.URI, key schema.EncryptionKey) (*schema.Schema, []FragmentMetadata, error) {
	return c.openForReads(ctx, uri, key, func(ctx context.Context) ([]fragment.Info, error) {
		out := make([]fragment.Info, len(fragments))
		for i, f := range fragments {
			ts, err := fragment.ParseTimestamp(f.LastPathPart())
			if err != nil {
				return nil, err
			}
			out[i] = fragment.Info{Timestamp: ts, URI: f}
		}
		return out, nil
	})
}

func (c *Coordinator) openForReads(ctx context.Context, uri vfs.URI, key schema.EncryptionKey, selectFragments func(ctx context.Context) ([]fragment.Info, error)) (*schema.Schema, []FragmentMetadata, error) {
	if !c.vfs.SupportsURIScheme(uri) {
		return nil, nil, errors.New(errcodes.UnsupportedScheme, "unsupported URI scheme: "+uri.String())
	}
	kind, err := c.ObjectType(ctx, uri)
	if err != nil {
		return nil, nil, err
	}
	if kind != objtype.Array && kind != objtype.KeyValue {
		return nil, nil, errors.New(errcodes.InvalidArgument, "not an array or key-value store: "+uri.String())
	}

	entry, err := c.acquireReadEntry(ctx, uri, key)
	if err != nil {
		return nil, nil, err
	}

	fail := func(err error) (*schema.Schema, []FragmentMetadata, error) {
		entry.Unlock()
		_ = c.ArrayCloseForReads(ctx, uri)
		return nil, nil, err
	}

	if entry.Schema() == nil {
		sch, err := c.loadSchemaForOpen(ctx, uri, kind)
		if err != nil {
			return fail(err)
		}
		entry.SetSchema(sch)
	}

	infos, err := selectFragments(ctx)
	if err != nil {
		return fail(err)
	}
	metas, err := loadFragmentMetadata(ctx, c.vfs, c.pools.Reader, entry, entry.Schema(), key, c.metadataFactory, c, infos, c.dedup, c.log)
	if err != nil {
		return fail(err)
	}

	sch := entry.Schema()
	entry.Unlock()
	return sch, metas, nil
}

// ArrayCloseForReads decrements uri's read refcount, releasing the
// filelock and destroying the entry when it reaches zero.
func (c *Coordinator) ArrayCloseForReads(ctx context.Context, uri vfs.URI) error {
	c.readRegistry.Lock()
	entry, ok := c.readRegistry.Get(uri)
	if !ok {
		c.readRegistry.Unlock()
		return errors.New(errcodes.NotFound, "no open read entry for "+uri.String())
	}
	entry.Lock()
	entry.RefcountDecr()
	if entry.Refcount() <= 0 {
		if entry.FileLock() != vfs.InvalidFileLock {
			if err := c.vfs.FilelockUnlock(ctx, lockFileURI(uri), entry.FileLock()); err != nil {
				entry.Unlock()
				c.readRegistry.Unlock()
				return err
			}
		}
		c.readRegistry.Delete(uri)
	}
	entry.Unlock()
	c.readRegistry.Unlock()
	return nil
}

// ArrayReopen reruns snapshot selection and metadata load against an
// existing reader entry, reusing its schema.
func (c *Coordinator) ArrayReopen(ctx context.Context, uri vfs.URI, t uint64) (*schema.Schema, []FragmentMetadata, error) {
	c.readRegistry.Lock()
	entry, ok := c.readRegistry.Get(uri)
	if !ok {
		c.readRegistry.Unlock()
		return nil, nil, errors.New(errcodes.NotFound, "no open read entry for "+uri.String())
	}
	entry.Lock()
	c.readRegistry.Unlock()
	defer entry.Unlock()

	if entry.Schema() == nil {
		return nil, nil, errors.New(errcodes.Internal, "reopen on entry with no schema loaded")
	}

	uris, err := fragment.GetFragmentURIs(ctx, c.vfs, uri)
	if err != nil {
		return nil, nil, err
	}
	infos, err := fragment.GetSortedFragmentURIs(uris, t)
	if err != nil {
		return nil, nil, err
	}
	metas, err := loadFragmentMetadata(ctx, c.vfs, c.pools.Reader, entry, entry.Schema(), entry.EncryptionKey(), c.metadataFactory, c, infos, c.dedup, c.log)
	if err != nil {
		return nil, nil, err
	}
	return entry.Schema(), metas, nil
}

// --- Open/close for writes -------------------------------------------------

// ArrayOpenForWrites opens uri on the write registry: no filelock, no
// fragment-metadata loading. Writers may coexist with readers.
func (c *Coordinator) ArrayOpenForWrites(ctx context.Context, uri vfs.URI, key schema.EncryptionKey) (*schema.Schema, error) {
	if !c.vfs.SupportsURIScheme(uri) {
		return nil, errors.New(errcodes.UnsupportedScheme, "unsupported URI scheme: "+uri.String())
	}
	kind, err := c.ObjectType(ctx, uri)
	if err != nil {
		return nil, err
	}
	if kind != objtype.Array && kind != objtype.KeyValue {
		return nil, errors.New(errcodes.InvalidArgument, "not an array or key-value store: "+uri.String())
	}

	c.writeRegistry.Lock()
	entry, existed := c.writeRegistry.Get(uri)
	if !existed {
		entry = newEntry(ModeWrite)
		c.writeRegistry.Set(uri, entry)
	}
	if err := entry.SetEncryptionKey(key); err != nil {
		c.writeRegistry.Unlock()
		return nil, err
	}
	entry.RefcountIncr()
	entry.Lock()
	c.writeRegistry.Unlock()

	if entry.Schema() == nil {
		sch, err := c.loadSchemaForOpen(ctx, uri, kind)
		if err != nil {
			entry.Unlock()
			_ = c.ArrayCloseForWrites(ctx, uri)
			return nil, err
		}
		entry.SetSchema(sch)
	}
	sch := entry.Schema()
	entry.Unlock()
	return sch, nil
}

// ArrayCloseForWrites decrements uri's write refcount, destroying the
// entry when it reaches zero. Write entries hold no filelock to release.
func (c *Coordinator) ArrayCloseForWrites(ctx context.Context, uri vfs.URI) error {
	c.writeRegistry.Lock()
	entry, ok := c.writeRegistry.Get(uri)
	if !ok {
		c.writeRegistry.Unlock()
		return errors.New(errcodes.NotFound, "no open write entry for "+uri.String())
	}
	entry.Lock()
	entry.RefcountDecr()
	if entry.Refcount() <= 0 {
		c.writeRegistry.Delete(uri)
	}
	entry.Unlock()
	c.writeRegistry.Unlock()
	return nil
}

// NewFragmentURI returns a fresh fragment directory URI for a write-open
// at timestamp.
func (c *Coordinator) NewFragmentURI(arrayURI vfs.URI, timestamp uint64) vfs.URI {
	return arrayURI.Join(fragment.NewName(timestamp))
}

// --- Cross-process exclusive lock -------------------------------------------------

// ArrayXlock acquires the cross-process exclusive lock on uri, blocking
// until every local reader of uri has closed. Held until the matching
// ArrayXunlock.
func (c *Coordinator) ArrayXlock(ctx context.Context, uri vfs.URI) error {
	c.xlock.mu.Lock()

	c.readRegistry.Lock()
	for {
		if _, exists := c.readRegistry.Get(uri); !exists {
			break
		}
		c.readRegistry.Wait()
	}
	c.readRegistry.Unlock()

	lock, err := c.vfs.FilelockLock(ctx, lockFileURI(uri), vfs.LockExclusive)
	if err != nil {
		c.xlock.mu.Unlock()
		return err
	}
	c.xlock.table[uri] = lock
	return nil
}

// ArrayXunlock releases the exclusive lock on uri acquired by ArrayXlock.
func (c *Coordinator) ArrayXunlock(ctx context.Context, uri vfs.URI) error {
	lock, ok := c.xlock.table[uri]
	if !ok {
		c.xlock.mu.Unlock()
		return errors.New(errcodes.Internal, "xunlock without matching xlock for "+uri.String())
	}
	err := c.vfs.FilelockUnlock(ctx, lockFileURI(uri), lock)
	delete(c.xlock.table, uri)
	c.xlock.mu.Unlock()
	return err
}

// --- Fragment info (shared-lock guarded) -------------------------------------------------

// GetFragmentInfo lists every fragment of uri visible at snapshot t. It
// bumps the read refcount for the duration of enumeration (reusing
// whatever filelock an existing open already holds) rather than
// enumerating lock-free.
func (c *Coordinator) GetFragmentInfo(ctx context.Context, uri vfs.URI, t uint64, key schema.EncryptionKey) ([]FragmentInfo, error) {
	entry, err := c.acquireReadEntry(ctx, uri, key)
	if err != nil {
		return nil, err
	}
	defer func() {
		entry.Unlock()
		_ = c.ArrayCloseForReads(ctx, uri)
	}()

	uris, err := fragment.GetFragmentURIs(ctx, c.vfs, uri)
	if err != nil {
		return nil, err
	}
	sorted, err := fragment.GetSortedFragmentURIs(uris, t)
	if err != nil {
		return nil, err
	}
	out := make([]FragmentInfo, len(sorted))
	for i, info := range sorted {
		sparse, err := fragment.IsSparse(ctx, c.vfs, info.URI)
		if err != nil {
			return nil, err
		}
		out[i] = FragmentInfo{Timestamp: info.Timestamp, URI: info.URI, Sparse: sparse}
	}
	return out, nil
}

// GetFragmentInfoOne returns info for a single fragment, under the same
// shared-lock discipline as GetFragmentInfo.
func (c *Coordinator) GetFragmentInfoOne(ctx context.Context, uri, fragURI vfs.URI, key schema.EncryptionKey) (FragmentInfo, error) {
	entry, err := c.acquireReadEntry(ctx, uri, key)
	if err != nil {
		return FragmentInfo{}, err
	}
	defer func() {
		entry.Unlock()
		_ = c.ArrayCloseForReads(ctx, uri)
	}()

	ts, err := fragment.ParseTimestamp(fragURI.LastPathPart())
	if err != nil {
		return FragmentInfo{}, err
	}
	sparse, err := fragment.IsSparse(ctx, c.vfs, fragURI)
	if err != nil {
		return FragmentInfo{}, err
	}
	return FragmentInfo{Timestamp: ts, URI: fragURI, Sparse: sparse}, nil
}

// --- Consolidation (thin delegate) -------------------------------------------------

// ArrayConsolidate holds the exclusive lock on uri for the duration of a
// caller-supplied Consolidator's run. Fragment enumeration here bypasses
// GetFragmentInfo deliberately: re-acquiring a shared filelock while the
// exclusive lock above is already held on the same sentinel file would
// deadlock against the local backend's flock semantics.
func (c *Coordinator) ArrayConsolidate(ctx context.Context, uri vfs.URI) error {
	if c.consolidator == nil {
		return errors.New(errcodes.Internal, "no consolidator configured")
	}
	if err := c.ArrayXlock(ctx, uri); err != nil {
		return err
	}
	defer func() { _ = c.ArrayXunlock(ctx, uri) }()

	uris, err := fragment.GetFragmentURIs(ctx, c.vfs, uri)
	if err != nil {
		return err
	}
	sorted, err := fragment.GetSortedFragmentURIs(uris, math.MaxUint64)
	if err != nil {
		return err
	}
	infos := make([]FragmentInfo, len(sorted))
	for i, info := range sorted {
		sparse, err := fragment.IsSparse(ctx, c.vfs, info.URI)
		if err != nil {
			return err
		}
		infos[i] = FragmentInfo{Timestamp: info.Timestamp, URI: info.URI, Sparse: sparse}
	}
	return c.consolidator.Consolidate(ctx, uri, infos)
}

// --- Non-empty domain & buffer size estimation -------------------------------------------

// ArrayGetNonEmptyDomain unions every fragment's non-empty domain via the
// configured SchemaGeometry collaborator.
func (c *Coordinator) ArrayGetNonEmptyDomain(sch *schema.Schema, metas []FragmentMetadata) ([]byte, error) {
	if c.geometry == nil {
		return nil, errors.New(errcodes.Internal, "no schema geometry configured")
	}
	var acc []byte
	var err error
	for _, m := range metas {
		acc, err = c.geometry.UnionNonEmptyDomain(sch, acc, m)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// EstimateReadBufferSizes estimates per-attribute output buffer sizes for
// a read over subarray, delegating datatype-specific geometry to
// SchemaGeometry.
func (c *Coordinator) EstimateReadBufferSizes(sch *schema.Schema, metas []FragmentMetadata, subarray []byte) (map[string]uint64, error) {
	if c.geometry == nil {
		return nil, errors.New(errcodes.Internal, "no schema geometry configured")
	}
	return c.geometry.EstimateReadBufferSizes(sch, metas, subarray)
}

// --- Query dispatch -------------------------------------------------

func (c *Coordinator) inProgressIncr() {
	c.inProgressMu.Lock()
	c.inProgress++
	c.inProgressMu.Unlock()
}

func (c *Coordinator) inProgressDecr() {
	c.inProgressMu.Lock()
	c.inProgress--
	if c.inProgress == 0 {
		c.inProgressCond.Broadcast()
	}
	c.inProgressMu.Unlock()
}

// QuerySubmit runs q.Process() inline, tracked by the in-progress counter
// CancelAllTasks waits to drain.
func (c *Coordinator) QuerySubmit(q query.Query) error {
	c.inProgressIncr()
	defer c.inProgressDecr()
	return q.Process()
}

// QuerySubmitAsync enqueues q onto the async pool via the cancellable task
// queue. If cancelled before it starts, q.Cancel() runs instead of
// q.Process().
func (c *Coordinator) QuerySubmitAsync(q query.Query) *pool.Future {
	return c.tasks.Enqueue(c.pools.Async, func() error {
		c.inProgressIncr()
		defer c.inProgressDecr()
		return q.Process()
	}, q.Cancel)
}

// CancelAllTasks cancels every queued-but-not-started task, propagates
// cancellation to the VFS, and blocks until every in-flight query has
// returned.
func (c *Coordinator) CancelAllTasks() {
	c.cancelMu.Lock()
	if c.cancelled {
		c.cancelMu.Unlock()
		return
	}
	c.cancelled = true
	c.cancelMu.Unlock()

	c.tasks.CancelAll()
	c.vfs.CancelAllTasks()

	c.inProgressMu.Lock()
	for c.inProgress > 0 {
		c.inProgressCond.Wait()
	}
	c.inProgressMu.Unlock()

	c.cancelMu.Lock()
	c.cancelled = false
	c.cancelMu.Unlock()
}

// CancellationInProgress reports whether a CancelAllTasks call is
// currently underway. The query engine polls this to abort early.
func (c *Coordinator) CancellationInProgress() bool {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	return c.cancelled
}

// --- Tile cache integration -------------------------------------------------

var metadataSentinelNames = map[string]bool{
	objtype.ArraySchemaFile:      true,
	objtype.KVSchemaFile:         true,
	fragment.MetadataFileName:    true,
}

func cacheKey(uri vfs.URI, offset int64) string {
	return uri.String() + "+" + strconv.FormatInt(offset, 10)
}

// ReadFromCache fills buf from the tile cache, reporting a hit/miss. A
// miss is not an error.
func (c *Coordinator) ReadFromCache(uri vfs.URI, offset int64, buf []byte) (hit bool, err error) {
	return c.cache.Read(cacheKey(uri, offset), buf, 0, len(buf))
}

// WriteToCache inserts data into the tile cache unless uri names one of
// the metadata sentinel files or the payload exceeds the cache budget.
func (c *Coordinator) WriteToCache(uri vfs.URI, offset int64, data []byte) error {
	if metadataSentinelNames[uri.LastPathPart()] {
		return nil
	}
	if int64(len(data)) > c.cache.MaxSize() {
		return nil
	}
	return c.cache.Insert(cacheKey(uri, offset), data, true)
}
