// Package archive exports closed timeline segments to cold object storage.
// Segments are content-addressed: the S3 key is the SHA-256 of the canonical
// segment encoding, so re-exporting the same range is idempotent.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
	"github.com/danvoulez/logline-motor/pkg/span"
	"github.com/danvoulez/logline-motor/pkg/timeline"
)

// Segment is one exported slice of the timeline.
type Segment struct {
	FromPosition uint64      `json:"from_position"`
	ToPosition   uint64      `json:"to_position"` // inclusive
	Spans        []span.Span `json:"spans"`
}

// S3Config holds exporter configuration.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack
	Prefix   string // optional key prefix, e.g. "timeline/"
}

// S3Exporter writes segments to S3.
type S3Exporter struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Exporter builds the exporter from ambient AWS credentials.
func NewS3Exporter(ctx context.Context, cfg S3Config) (*S3Exporter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, motorerr.Wrap(motorerr.KindStorageUnavailable, "aws config load failed", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Exporter{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: slog.Default().With("component", "archive"),
	}, nil
}

// BuildSegment reads [r.From, r.To) into a segment and computes its content
// hash over the JSON encoding.
func BuildSegment(ctx context.Context, store timeline.Store, r timeline.Range) (Segment, []byte, string, error) {
	cur, err := store.Read(ctx, r)
	if err != nil {
		return Segment{}, nil, "", err
	}
	defer func() { _ = cur.Close() }()

	seg := Segment{FromPosition: r.From}
	for {
		s, ok, err := cur.Next(ctx)
		if err != nil {
			return Segment{}, nil, "", err
		}
		if !ok {
			break
		}
		seg.Spans = append(seg.Spans, s)
		seg.ToPosition = s.TimelinePosition
	}
	if len(seg.Spans) == 0 {
		return Segment{}, nil, "", motorerr.New(motorerr.KindNotFound, "segment range is empty").
			With("from", strconv.FormatUint(r.From, 10))
	}
	if seg.FromPosition == 0 {
		seg.FromPosition = seg.Spans[0].TimelinePosition
	}

	data, err := json.Marshal(seg)
	if err != nil {
		return Segment{}, nil, "", motorerr.Wrap(motorerr.KindValidation, "segment not serializable", err)
	}
	sum := sha256.Sum256(data)
	return seg, data, hex.EncodeToString(sum[:]), nil
}

// Export reads [r.From, r.To) from the store and uploads it as one segment.
// Returns the content hash of the uploaded segment.
func (e *S3Exporter) Export(ctx context.Context, store timeline.Store, r timeline.Range) (string, error) {
	seg, data, hash, err := BuildSegment(ctx, store, r)
	if err != nil {
		return "", err
	}
	key := e.prefix + hash + ".segment.json"

	// Idempotent: a segment with this content is already archived.
	if _, err := e.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return hash, nil
	}

	if _, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return "", motorerr.Wrap(motorerr.KindStorageUnavailable, "segment upload failed", err).
			With("bucket", e.bucket)
	}

	e.logger.InfoContext(ctx, "segment archived",
		"from", seg.FromPosition, "to", seg.ToPosition, "spans", len(seg.Spans), "hash", hash)
	return hash, nil
}

// Fetch downloads an archived segment by content hash.
func (e *S3Exporter) Fetch(ctx context.Context, hash string) (Segment, error) {
	key := e.prefix + hash + ".segment.json"
	out, err := e.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Segment{}, motorerr.Wrap(motorerr.KindStorageUnavailable, "segment download failed", err).
			With("hash", hash)
	}
	defer func() { _ = out.Body.Close() }()

	var seg Segment
	if err := json.NewDecoder(out.Body).Decode(&seg); err != nil {
		return Segment{}, motorerr.Wrap(motorerr.KindValidation, "corrupt segment", err).With("hash", hash)
	}
	return seg, nil
}
