// Package mongodb stores documents in MongoDB collections.
//
// A table maps to a collection of the same name and the model's primary key
// maps to _id. Writes go through driver.Execute, so insert/update/delete
// report the same counters as every other backend. Server time comes from
// the hello command's localTime.
//
// Each stored document carries a _rev counter hidden from the model. Inserts
// rely on the unique _id index, updates replace only the revision they
// loaded, and deletes use findAndModify, so writers on different handles
// never overwrite each other.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mopt "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/roach88/docbind/internal/doc"
	"github.com/roach88/docbind/internal/driver"
)

const (
	idField        = "_id"
	revField       = "_rev"
	connectTimeout = 10 * time.Second
)

// Engine opens MongoDB-backed handles.
type Engine struct {
	scheme string
	newKey driver.KeyFunc
}

var _ driver.Driver = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithScheme sets the URI scheme, e.g. "mongodb+srv". Default: "mongodb".
func WithScheme(scheme string) Option {
	return func(e *Engine) {
		e.scheme = scheme
	}
}

// WithKeys sets the generator for primary keys of inserted documents.
func WithKeys(next func() string) Option {
	return func(e *Engine) {
		e.newKey = next
	}
}

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		scheme: "mongodb",
		newKey: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// URI returns the connection string for opts.
func (e *Engine) URI(opts driver.ConnectOptions) string {
	return fmt.Sprintf("%s://%s", e.scheme, opts.Address())
}

// ClientOptions builds the mongo client options for opts.
func (e *Engine) ClientOptions(opts driver.ConnectOptions) *mopt.ClientOptions {
	co := mopt.Client().ApplyURI(e.URI(opts))
	co.SetConnectTimeout(connectTimeout).SetServerSelectionTimeout(connectTimeout)
	// The connection pool above owns concurrency.
	co.SetMaxPoolSize(1)
	if opts.Name != "" {
		co.SetAppName(opts.Name)
	}
	if opts.AuthKey != "" {
		user := opts.User
		if user == "" {
			user = driver.DefaultUser
		}
		co.SetAuth(mopt.Credential{
			Username:   user,
			Password:   opts.AuthKey,
			AuthSource: dbName(opts.DB),
		})
	}
	return co
}

// Connect opens a client and pings it.
func (e *Engine) Connect(ctx context.Context, opts driver.ConnectOptions) (driver.Handle, error) {
	client, err := mongo.Connect(ctx, e.ClientOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("mongodb: connect %s: %w", opts.Address(), err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb: ping %s: %w", opts.Address(), err)
	}
	return &handle{engine: e, client: client, db: dbName(opts.DB)}, nil
}

func dbName(db string) string {
	if db == "" {
		return driver.DefaultDB
	}
	return db
}

type handle struct {
	engine *Engine
	client *mongo.Client
	db     string
}

func (h *handle) Run(ctx context.Context, q driver.Query, opts driver.RunOptions) (*driver.Result, error) {
	if h.client == nil {
		return nil, driver.ErrHandleClosed
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	db := h.db
	if opts.DB != "" {
		db = opts.DB
	}
	database := h.client.Database(db)

	now, err := serverNow(ctx, database)
	if err != nil {
		return nil, err
	}

	coll := database.Collection(q.Table, mopt.Collection().SetWriteConcern(WriteConcern(opts.Durability)))
	res, err := driver.Execute(newCollTable(ctx, coll, q.PK()), q, now, h.engine.newKey)
	if err != nil {
		return nil, fmt.Errorf("mongodb: %w", err)
	}
	return res, nil
}

func (h *handle) Close() error {
	if h.client == nil {
		return nil
	}
	err := h.client.Disconnect(context.Background())
	h.client = nil
	return err
}

// WriteConcern maps a durability setting to a write concern. "soft"
// acknowledges from the primary without waiting for the journal.
func WriteConcern(durability string) *writeconcern.WriteConcern {
	if durability == "soft" {
		journal := false
		return &writeconcern.WriteConcern{W: 1, Journal: &journal}
	}
	return writeconcern.Majority()
}

func serverNow(ctx context.Context, db *mongo.Database) (time.Time, error) {
	var hello struct {
		LocalTime time.Time `bson:"localTime"`
	}
	if err := db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return time.Time{}, fmt.Errorf("mongodb: read server time: %w", err)
	}
	return hello.LocalTime.UTC(), nil
}

// collTable adapts one collection to driver.AtomicTable.
type collTable struct {
	ctx  context.Context
	coll *mongo.Collection
	pk   string
	revs map[any]any // _rev seen by the last Load of each key; nil when absent
}

var _ driver.AtomicTable = (*collTable)(nil)

func newCollTable(ctx context.Context, coll *mongo.Collection, pk string) *collTable {
	return &collTable{ctx: ctx, coll: coll, pk: pk, revs: make(map[any]any)}
}

func (t *collTable) Load(key any) (doc.Document, bool, error) {
	var raw bson.M
	err := t.coll.FindOne(t.ctx, bson.M{idField: key}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		delete(t.revs, key)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find %v: %w", key, err)
	}
	t.revs[key] = raw[revField]
	return FromBSON(raw, t.pk), true, nil
}

func (t *collTable) Store(key any, d doc.Document) error {
	_, err := t.coll.ReplaceOne(t.ctx, bson.M{idField: key}, withRev(d, t.pk, nil), mopt.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace %v: %w", key, err)
	}
	return nil
}

func (t *collTable) Remove(key any) error {
	if _, err := t.coll.DeleteOne(t.ctx, bson.M{idField: key}); err != nil {
		return fmt.Errorf("delete %v: %w", key, err)
	}
	return nil
}

func (t *collTable) Insert(key any, d doc.Document) (bool, error) {
	_, err := t.coll.InsertOne(t.ctx, withRev(d, t.pk, nil))
	return inserted(key, err)
}

// inserted maps an InsertOne error: a duplicate _id means the key exists.
func inserted(key any, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case mongo.IsDuplicateKeyError(err):
		return false, nil
	default:
		return false, fmt.Errorf("insert %v: %w", key, err)
	}
}

func (t *collTable) Swap(key any, d doc.Document) (bool, error) {
	rev := t.revs[key]
	// {_rev: null} also matches documents written without a revision.
	filter := bson.M{idField: key, revField: rev}
	res, err := t.coll.ReplaceOne(t.ctx, filter, withRev(d, t.pk, rev))
	if err != nil {
		return false, fmt.Errorf("replace %v: %w", key, err)
	}
	return res.MatchedCount == 1, nil
}

func (t *collTable) Delete(key any) (doc.Document, bool, error) {
	var raw bson.M
	err := t.coll.FindOneAndDelete(t.ctx, bson.M{idField: key}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("delete %v: %w", key, err)
	}
	return FromBSON(raw, t.pk), true, nil
}

// withRev converts d for storage with the revision after prev.
func withRev(d doc.Document, pk string, prev any) bson.M {
	m := ToBSON(d, pk)
	m[revField] = nextRev(prev)
	return m
}

func nextRev(prev any) int64 {
	switch r := prev.(type) {
	case int64:
		return r + 1
	case int32:
		return int64(r) + 1
	default:
		return 1
	}
}

// ToBSON converts d to a BSON document, storing the pk field as _id.
func ToBSON(d doc.Document, pk string) bson.M {
	out := make(bson.M, len(d))
	for k, v := range d {
		if k == pk {
			k = idField
		}
		out[k] = toBSONValue(v)
	}
	return out
}

func toBSONValue(v any) any {
	switch val := v.(type) {
	case doc.Document:
		return toBSONValue(map[string]any(val))
	case map[string]any:
		m := make(bson.M, len(val))
		for k, item := range val {
			m[k] = toBSONValue(item)
		}
		return m
	case []any:
		a := make(bson.A, len(val))
		for i, item := range val {
			a[i] = toBSONValue(item)
		}
		return a
	case time.Time:
		return primitive.NewDateTimeFromTime(val)
	default:
		return v
	}
}

// FromBSON converts a decoded BSON document back to a normalized
// doc.Document, renaming _id to pk and dropping the revision.
func FromBSON(m bson.M, pk string) doc.Document {
	out := make(doc.Document, len(m))
	for k, v := range m {
		if k == revField {
			continue
		}
		if k == idField {
			k = pk
		}
		out[k] = fromBSONValue(v)
	}
	return doc.Normalize(out)
}

func fromBSONValue(v any) any {
	switch val := v.(type) {
	case bson.M:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = fromBSONValue(item)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = fromBSONValue(e.Value)
		}
		return m
	case bson.A:
		a := make([]any, len(val))
		for i, item := range val {
			a[i] = fromBSONValue(item)
		}
		return a
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.ObjectID:
		return val.Hex()
	case int32:
		return int64(val)
	default:
		return v
	}
}
