// Package s3 implements an Amazon S3 cache backend. Each entry is one
// object under a common key prefix; creation time, expiry and tags travel
// in object metadata. S3 offers no per-object timestamp expiry, so nothing
// is purged automatically: expired entries stay readable until
// Clean(CleanExpired) sweeps them. Tag queries list the prefix and read
// each object's metadata, which is correct but linear in the number of
// entries.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bitmason/tagcache"
)

// Object metadata keys (S3 lowercases metadata keys on the wire).
const (
	metaCreated = "tc-created" // unix milliseconds
	metaExpires = "tc-expires" // unix milliseconds, 0 = never
	metaTags    = "tc-tags"    // comma-joined, each tag query-escaped
)

// Client is the subset of the S3 API the backend uses, satisfied by
// *s3.Client and by test fakes.
type Client interface {
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *awss3.DeleteObjectsInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// Backend is the S3 driver.
type Backend struct {
	client     Client
	bucket     string
	prefix     string
	maxBytes   int64
	defaultTTL time.Duration
}

// New creates an S3 backend using the default AWS credential chain.
func New(ctx context.Context, cfg tagcache.S3Config, defaultTTL time.Duration) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket not configured")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(awss3.NewFromConfig(awsCfg), cfg, defaultTTL), nil
}

// NewWithClient creates an S3 backend over an existing client.
func NewWithClient(client Client, cfg tagcache.S3Config, defaultTTL time.Duration) *Backend {
	cfg = cfg.WithDefaults()
	return &Backend{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		maxBytes:   cfg.MaxBytes,
		defaultTTL: defaultTTL,
	}
}

// objectKey maps an id to its object key. Ids are path-escaped so any
// string is a valid single-segment key under the prefix.
func objectKey(prefix, id string) string {
	return prefix + "/" + url.PathEscape(id)
}

// keyID recovers the id from an object key, reporting ok=false for keys
// outside the prefix.
func keyID(prefix, key string) (string, bool) {
	rest, found := strings.CutPrefix(key, prefix+"/")
	if !found {
		return "", false
	}
	id, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return id, true
}

func encodeTagsMeta(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	escaped := make([]string, len(tags))
	for i, t := range tags {
		escaped[i] = url.QueryEscape(t)
	}
	return strings.Join(escaped, ",")
}

func decodeTagsMeta(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, len(parts))
	for i, p := range parts {
		t, err := url.QueryUnescape(p)
		if err != nil {
			return nil, fmt.Errorf("bad tags metadata: %w", err)
		}
		tags[i] = t
	}
	return tags, nil
}

type objMeta struct {
	Created time.Time
	Expires *time.Time
	Tags    []string
}

func decodeObjMeta(metadata map[string]string) (*objMeta, error) {
	createdMs, err := strconv.ParseInt(metadata[metaCreated], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad created metadata: %w", err)
	}
	meta := &objMeta{Created: time.UnixMilli(createdMs)}

	if v := metadata[metaExpires]; v != "" && v != "0" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad expires metadata: %w", err)
		}
		exp := time.UnixMilli(ms)
		meta.Expires = &exp
	}

	if meta.Tags, err = decodeTagsMeta(metadata[metaTags]); err != nil {
		return nil, err
	}
	return meta, nil
}

func encodeObjMeta(meta *objMeta) map[string]string {
	var expires int64
	if meta.Expires != nil {
		expires = meta.Expires.UnixMilli()
	}
	return map[string]string{
		metaCreated: strconv.FormatInt(meta.Created.UnixMilli(), 10),
		metaExpires: strconv.FormatInt(expires, 10),
		metaTags:    encodeTagsMeta(meta.Tags),
	}
}

// notFound reports whether err is an S3 missing-object error from either
// GetObject (NoSuchKey) or HeadObject (NotFound).
func notFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var headMiss *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &headMiss)
}

func (b *Backend) Load(ctx context.Context, id string, includeExpired bool) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey(b.prefix, id)),
	})
	if notFound(err) {
		return nil, tagcache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer out.Body.Close()

	if !includeExpired {
		meta, err := decodeObjMeta(out.Metadata)
		if err != nil {
			return nil, err
		}
		if meta.Expires != nil && !meta.Expires.After(time.Now()) {
			return nil, tagcache.ErrNotFound
		}
	}

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed: %w", err)
	}
	return content, nil
}

func (b *Backend) head(ctx context.Context, id string) (*objMeta, error) {
	out, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey(b.prefix, id)),
	})
	if notFound(err) {
		return nil, tagcache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("s3 head failed: %w", err)
	}
	return decodeObjMeta(out.Metadata)
}

func (b *Backend) Test(ctx context.Context, id string) (time.Time, error) {
	meta, err := b.head(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return meta.Created, nil
}

func (b *Backend) Save(ctx context.Context, id string, content []byte, tags []string, ttl time.Duration) error {
	now := time.Now()
	meta := &objMeta{
		Created: now,
		Expires: tagcache.ResolveTTL(ttl, b.defaultTTL, now),
		Tags:    tags,
	}

	_, err := b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(objectKey(b.prefix, id)),
		Body:     bytes.NewReader(content),
		Metadata: encodeObjMeta(meta),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, id string) error {
	// S3 deletes are silent for missing keys, so existence is checked
	// first to honor the not-found contract.
	if _, err := b.head(ctx, id); err != nil {
		return err
	}

	_, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey(b.prefix, id)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

// listKeys enumerates every object key under the prefix.
func (b *Backend) listKeys(ctx context.Context) ([]string, int64, error) {
	var (
		keys  []string
		total int64
		token *string
	)
	for {
		out, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.prefix + "/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("s3 list failed: %w", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
			total += aws.ToInt64(obj.Size)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, total, nil
}

// forEachEntry visits every entry's id and metadata. One HeadObject per
// object; acceptable for cache-sized buckets, linear all the same.
func (b *Backend) forEachEntry(ctx context.Context, fn func(id string, meta *objMeta) error) error {
	keys, _, err := b.listKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		id, ok := keyID(b.prefix, key)
		if !ok {
			continue
		}
		meta, err := b.head(ctx, id)
		if errors.Is(err, tagcache.ErrNotFound) {
			continue // deleted concurrently
		}
		if err != nil {
			return err
		}
		if err := fn(id, meta); err != nil {
			return err
		}
	}
	return nil
}

// deleteIDs removes entries in DeleteObjects batches of up to 1000 keys.
func (b *Backend) deleteIDs(ctx context.Context, ids []string) error {
	const batchSize = 1000
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, id := range ids[start:end] {
			objects = append(objects, types.ObjectIdentifier{
				Key: aws.String(objectKey(b.prefix, id)),
			})
		}
		_, err := b.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("s3 bulk delete failed: %w", err)
		}
	}
	return nil
}

func (b *Backend) Clean(ctx context.Context, mode tagcache.CleanMode, tags []string) error {
	if !mode.Valid() {
		return tagcache.ErrBadCleanMode
	}
	now := time.Now()

	var doomed []string
	err := b.forEachEntry(ctx, func(id string, meta *objMeta) error {
		switch mode {
		case tagcache.CleanAll:
			doomed = append(doomed, id)
			return nil
		case tagcache.CleanExpired:
			if meta.Expires != nil && meta.Expires.Before(now) {
				doomed = append(doomed, id)
			}
			return nil
		}

		fm, _ := mode.FilterMode()
		match, err := tagcache.MatchTags(meta.Tags, tags, fm)
		if err != nil {
			return err
		}
		if match {
			doomed = append(doomed, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return b.deleteIDs(ctx, doomed)
}

func (b *Backend) IDs(ctx context.Context) ([]string, error) {
	keys, _, err := b.listKeys(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if id, ok := keyID(b.prefix, key); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (b *Backend) Tags(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var tags []string
	err := b.forEachEntry(ctx, func(id string, meta *objMeta) error {
		for _, t := range meta.Tags {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				tags = append(tags, t)
			}
		}
		return nil
	})
	return tags, err
}

func (b *Backend) IDsByTags(ctx context.Context, mode tagcache.FilterMode, tags []string) ([]string, error) {
	var ids []string
	err := b.forEachEntry(ctx, func(id string, meta *objMeta) error {
		match, err := tagcache.MatchTags(meta.Tags, tags, mode)
		if err != nil {
			return err
		}
		if match {
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

func (b *Backend) FillPercentage(ctx context.Context) (int, error) {
	if b.maxBytes <= 0 {
		return 0, tagcache.ErrNoQuota
	}
	_, used, err := b.listKeys(ctx)
	if err != nil {
		return 0, err
	}
	pct := int(100 * used / b.maxBytes)
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

func (b *Backend) Metadata(ctx context.Context, id string) (*tagcache.Metadata, error) {
	meta, err := b.head(ctx, id)
	if err != nil {
		return nil, err
	}
	return &tagcache.Metadata{
		ExpiresAt: meta.Expires,
		Tags:      meta.Tags,
		ModTime:   meta.Created,
	}, nil
}

func (b *Backend) Touch(ctx context.Context, id string, extra time.Duration) (bool, error) {
	meta, err := b.head(ctx, id)
	if errors.Is(err, tagcache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if meta.Expires == nil || !meta.Expires.After(time.Now()) {
		return false, nil
	}

	// Metadata cannot be updated in place; re-put the object with the
	// same content and tags and the extended expiry.
	content, err := b.Load(ctx, id, true)
	if errors.Is(err, tagcache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	exp := meta.Expires.Add(extra)
	meta.Expires = &exp
	_, err = b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(objectKey(b.prefix, id)),
		Body:     bytes.NewReader(content),
		Metadata: encodeObjMeta(meta),
	})
	if err != nil {
		return false, fmt.Errorf("s3 touch failed: %w", err)
	}
	return true, nil
}

func (b *Backend) Capabilities() tagcache.Capabilities {
	return tagcache.Capabilities{
		AutomaticCleaning: false, // no per-object timestamp expiry in S3
		Tags:              true,
		ExpiredRead:       true,
		Priorities:        false,
		InfiniteLifetime:  true,
		Enumeration:       true,
	}
}

func (b *Backend) Close() error {
	return nil
}
