package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/coachcoreai/coachcore/backend/internal/models"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps each document as one JSON object and relies on conditional
// PUTs (If-Match / If-None-Match) for optimistic concurrency.
//
// Objects:
//
//	<prefix><collection>/<id>.json   document envelope
//	<prefix>_applied/<mutationID>    idempotency marker
type S3Store struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
}

type appliedMarker struct {
	Version    int64  `json:"version"`
	Collection string `json:"collection"`
	EntityID   string `json:"entity_id"`
	AppliedAt  int64  `json:"applied_at"`
}

// NewS3Store builds an S3 client for cfg after applying provider presets.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	cfg, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	return NewS3StoreWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

func (s *S3Store) documentKey(collection, id string) string {
	return fmt.Sprintf("%s%s/%s.json", s.prefix, collection, id)
}

func (s *S3Store) markerKey(mutationID string) string {
	return fmt.Sprintf("%s_applied/%s", s.prefix, mutationID)
}

// Write applies req with a conditional PUT and records an idempotency marker.
// A crash between the two leaves the document written without a marker; the
// replay then surfaces as a conflict and goes through resolution.
func (s *S3Store) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	var marker appliedMarker
	found, _, err := s.getJSON(ctx, s.markerKey(req.MutationID), &marker)
	if err != nil {
		return nil, classifyS3("read marker", err)
	}
	if found {
		doc, err := s.Get(ctx, req.Collection, req.EntityID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return &WriteResult{Version: marker.Version, Document: doc}, nil
	}

	var current models.Document
	exists, etag, err := s.getJSON(ctx, s.documentKey(req.Collection, req.EntityID), &current)
	if err != nil {
		return nil, classifyS3("read document", err)
	}
	var currentPtr *models.Document
	if exists {
		currentPtr = &current
	}

	now := s.now().UnixMilli()
	next, err := Apply(currentPtr, req, now)
	if err != nil {
		return nil, err
	}

	var version int64
	if next != nil {
		version = next.Version
	}
	if next != nil && (currentPtr == nil || next.Version != currentPtr.Version) {
		body, err := json.Marshal(next)
		if err != nil {
			return nil, Permanent("encode document", err)
		}
		input := &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.documentKey(req.Collection, req.EntityID)),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		}
		if exists {
			input.IfMatch = aws.String(etag)
		} else {
			input.IfNoneMatch = aws.String("*")
		}
		if _, err := s.client.PutObject(ctx, input); err != nil {
			if isPreconditionFailure(err) {
				snapshot, _ := s.Get(context.WithoutCancel(ctx), req.Collection, req.EntityID)
				return nil, &ConflictError{Collection: req.Collection, EntityID: req.EntityID, Expected: req.ExpectedVersion, Current: snapshot}
			}
			return nil, classifyS3("put document", err)
		}
	}

	if err := s.putJSON(ctx, s.markerKey(req.MutationID), appliedMarker{
		Version:    version,
		Collection: req.Collection,
		EntityID:   req.EntityID,
		AppliedAt:  now,
	}); err != nil {
		return nil, classifyS3("put marker", err)
	}
	return &WriteResult{Version: version, Document: next}, nil
}

// Get returns the current document, including tombstones.
func (s *S3Store) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	var doc models.Document
	found, _, err := s.getJSON(ctx, s.documentKey(collection, id), &doc)
	if err != nil {
		return nil, classifyS3("get document", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &doc, nil
}

func (s *S3Store) getJSON(ctx context.Context, key string, v any) (bool, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) || (httpStatus(err) == http.StatusNotFound && apiCode(err) != "NoSuchBucket") {
			return false, "", nil
		}
		return false, "", err
	}
	defer func() { _ = out.Body.Close() }()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return false, "", err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, "", Permanent("decode "+key, err)
	}
	return true, aws.ToString(out.ETag), nil
}

func (s *S3Store) putJSON(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return Permanent("encode "+key, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	return err
}

func apiCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

func httpStatus(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func isPreconditionFailure(err error) bool {
	switch apiCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	switch httpStatus(err) {
	case http.StatusPreconditionFailed, http.StatusConflict:
		return true
	}
	return false
}

// classifyS3 maps S3 failures: throttling and 5xx are transient, access and
// request errors are permanent.
func classifyS3(op string, err error) error {
	var permanent *PermanentError
	if errors.As(err, &permanent) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch apiCode(err) {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket",
		"InvalidBucketName", "InvalidArgument", "InvalidRequest":
		return Permanent(op, err)
	case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout", "Throttling":
		return Transient(op, err)
	}
	status := httpStatus(err)
	switch {
	case status == http.StatusForbidden, status == http.StatusBadRequest, status == http.StatusUnauthorized:
		return Permanent(op, err)
	case status == http.StatusTooManyRequests, status >= 500:
		return Transient(op, err)
	}
	return Transient(op, err)
}

var _ Store = (*S3Store)(nil)
