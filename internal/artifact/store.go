// Copyright 2025 James Ross
package artifact

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/foncier-quebec/extractor-workers/internal/jobs"
)

// Store wraps an S3-compatible client pointed at a single backend's
// Supabase Storage endpoint (Supabase exposes an S3-compatible API on top
// of its storage buckets). The core never uploads or downloads artifact
// bytes itself — that lives entirely inside the opaque engines — so Store
// only resolves bucket names and can verify an artifact's existence.
type Store struct {
	client *s3.S3
}

// NewStore builds a client against endpoint using serviceKey as the
// static credential; path-style addressing is forced since Supabase
// Storage's S3 gateway does not support virtual-hosted buckets.
func NewStore(endpoint, serviceKey string) (*Store, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("artifact store requires a non-empty endpoint")
	}
	awsConfig := &aws.Config{
		Region:           aws.String("us-east-1"),
		Endpoint:         aws.String(endpoint + "/storage/v1/s3"),
		S3ForcePathStyle: aws.Bool(true),
		Credentials:      credentials.NewStaticCredentials(serviceKey, serviceKey, ""),
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("create artifact store session: %w", err)
	}
	return &Store{client: s3.New(sess)}, nil
}

// Exists reports whether an object is present at ref, used by tests/fakes
// to verify an engine actually uploaded what it claims to have uploaded.
func (s *Store) Exists(ctx context.Context, ref jobs.ArtifactReference) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Path),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s/%s: %w", ref.Bucket, ref.Path, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	type statusCoder interface{ StatusCode() int }
	if sc, ok := err.(statusCoder); ok {
		return sc.StatusCode() == 404
	}
	return false
}
