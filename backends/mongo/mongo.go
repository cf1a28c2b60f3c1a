// Package mongo implements a MongoDB cache backend. Each entry is one
// document in a single collection; a secondary index on the tags array
// accelerates tag queries and a TTL index on the expiry field (zero-second
// grace window) makes the server purge expired entries on its own. The
// expiry field is only present on documents with a finite lifetime, so
// never-expiring entries are invisible to the TTL monitor.
//
// Mongo's TTL monitor runs periodically, so an expired entry can linger
// for up to a minute; Load checks validity client-side and such entries
// stay readable with includeExpired until the purge happens.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/bitmason/tagcache"
)

type document struct {
	ID      string     `bson:"_id"`
	Content []byte     `bson:"content"`
	Created time.Time  `bson:"created"`
	Expires *time.Time `bson:"expires,omitempty"`
	Tags    []string   `bson:"tags"`
}

// Backend is the MongoDB driver.
type Backend struct {
	client     *mongo.Client
	coll       *mongo.Collection
	defaultTTL time.Duration
}

// New connects to MongoDB, pings the server and ensures the tag and TTL
// indexes exist. Construction fails when the server is unreachable or the
// indexes cannot be created.
func New(ctx context.Context, cfg tagcache.MongoConfig, defaultTTL time.Duration) (*Backend, error) {
	cfg = cfg.WithDefaults()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI()))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tags", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expires", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo index creation failed: %w", err)
	}

	return &Backend{
		client:     client,
		coll:       coll,
		defaultTTL: defaultTTL,
	}, nil
}

func (b *Backend) findOne(ctx context.Context, id string, projection bson.M) (*document, error) {
	opts := options.FindOne()
	if projection != nil {
		opts.SetProjection(projection)
	}

	var doc document
	err := b.coll.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, tagcache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo find failed: %w", err)
	}
	return &doc, nil
}

func (b *Backend) Load(ctx context.Context, id string, includeExpired bool) ([]byte, error) {
	doc, err := b.findOne(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	if !includeExpired && doc.Expires != nil && !doc.Expires.After(time.Now()) {
		return nil, tagcache.ErrNotFound
	}
	return doc.Content, nil
}

func (b *Backend) Test(ctx context.Context, id string) (time.Time, error) {
	doc, err := b.findOne(ctx, id, bson.M{"created": 1})
	if err != nil {
		return time.Time{}, err
	}
	return doc.Created, nil
}

func (b *Backend) Save(ctx context.Context, id string, content []byte, tags []string, ttl time.Duration) error {
	now := time.Now()
	doc := document{
		ID:      id,
		Content: content,
		Created: now,
		Expires: tagcache.ResolveTTL(ttl, b.defaultTTL, now),
		Tags:    tags,
	}
	if doc.Tags == nil {
		doc.Tags = []string{}
	}

	_, err := b.coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo save failed: %w", err)
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, id string) error {
	res, err := b.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo remove failed: %w", err)
	}
	if res.DeletedCount == 0 {
		return tagcache.ErrNotFound
	}
	return nil
}

// cleanFilter maps a clean mode to the delete filter executed server-side.
func cleanFilter(mode tagcache.CleanMode, tags []string, now time.Time) (bson.M, error) {
	switch mode {
	case tagcache.CleanAll:
		return bson.M{}, nil
	case tagcache.CleanExpired:
		// Matches only documents carrying the field: never-expiring
		// entries have no expires field at all.
		return bson.M{"expires": bson.M{"$lt": now}}, nil
	case tagcache.CleanMatchingAllTags:
		return bson.M{"tags": bson.M{"$all": tags}}, nil
	case tagcache.CleanNotMatchingAnyTag:
		return bson.M{"tags": bson.M{"$nin": tags}}, nil
	case tagcache.CleanMatchingAnyTag:
		return bson.M{"tags": bson.M{"$in": tags}}, nil
	}
	return nil, tagcache.ErrBadCleanMode
}

// tagFilter maps a filter mode to a find filter.
func tagFilter(mode tagcache.FilterMode, tags []string) (bson.M, error) {
	switch mode {
	case tagcache.MatchAll:
		return bson.M{"tags": bson.M{"$all": tags}}, nil
	case tagcache.MatchAny:
		return bson.M{"tags": bson.M{"$in": tags}}, nil
	case tagcache.MatchNone:
		return bson.M{"tags": bson.M{"$nin": tags}}, nil
	}
	return nil, fmt.Errorf("%w: %d", tagcache.ErrBadFilterMode, int(mode))
}

func (b *Backend) Clean(ctx context.Context, mode tagcache.CleanMode, tags []string) error {
	filter, err := cleanFilter(mode, tags, time.Now())
	if err != nil {
		return err
	}
	if _, err := b.coll.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("mongo clean failed: %w", err)
	}
	return nil
}

func (b *Backend) idsMatching(ctx context.Context, filter bson.M) ([]string, error) {
	cursor, err := b.coll.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongo find failed: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo decode failed: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongo cursor failed: %w", err)
	}
	return ids, nil
}

func (b *Backend) IDs(ctx context.Context) ([]string, error) {
	return b.idsMatching(ctx, bson.M{})
}

func (b *Backend) Tags(ctx context.Context) ([]string, error) {
	values, err := b.coll.Distinct(ctx, "tags", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongo distinct failed: %w", err)
	}

	tags := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags, nil
}

func (b *Backend) IDsByTags(ctx context.Context, mode tagcache.FilterMode, tags []string) ([]string, error) {
	filter, err := tagFilter(mode, tags)
	if err != nil {
		return nil, err
	}
	return b.idsMatching(ctx, filter)
}

func (b *Backend) FillPercentage(ctx context.Context) (int, error) {
	var stats struct {
		FsUsedSize  float64 `bson:"fsUsedSize"`
		FsTotalSize float64 `bson:"fsTotalSize"`
	}
	err := b.coll.Database().RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}}).Decode(&stats)
	if err != nil {
		return 0, fmt.Errorf("mongo dbStats failed: %w", err)
	}

	if stats.FsTotalSize <= 0 {
		return 0, tagcache.ErrNoQuota
	}
	pct := int(100 * stats.FsUsedSize / stats.FsTotalSize)
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

func (b *Backend) Metadata(ctx context.Context, id string) (*tagcache.Metadata, error) {
	doc, err := b.findOne(ctx, id, bson.M{"created": 1, "expires": 1, "tags": 1})
	if err != nil {
		return nil, err
	}
	return &tagcache.Metadata{
		ExpiresAt: doc.Expires,
		Tags:      doc.Tags,
		ModTime:   doc.Created,
	}, nil
}

func (b *Backend) Touch(ctx context.Context, id string, extra time.Duration) (bool, error) {
	doc, err := b.findOne(ctx, id, bson.M{"expires": 1})
	if errors.Is(err, tagcache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if doc.Expires == nil || !doc.Expires.After(time.Now()) {
		return false, nil
	}

	newExp := doc.Expires.Add(extra)
	res, err := b.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"expires": newExp}})
	if err != nil {
		return false, fmt.Errorf("mongo touch failed: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (b *Backend) Capabilities() tagcache.Capabilities {
	return tagcache.Capabilities{
		AutomaticCleaning: true,
		Tags:              true,
		ExpiredRead:       true, // TTL monitor purges periodically, not instantly
		Priorities:        false,
		InfiniteLifetime:  true,
		Enumeration:       true,
	}
}

func (b *Backend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Disconnect(ctx)
}
