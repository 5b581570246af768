package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/vincent-petithory/dataurl"

	"github.com/replicate/cog-director/internal/logging"
	"github.com/replicate/cog-director/internal/schema"
)

// Caller rewrites data URLs in prediction output into object storage URLs.
// Upload is best-effort per item: anything that is not a data URL, or that
// fails to upload, passes through unchanged.
type Caller struct {
	client *s3.Client
	params schema.UploadParams
	logger *logging.Logger
}

func NewCaller(params schema.UploadParams, logger *logging.Logger) (*Caller, error) {
	if params.URL == "" || params.Bucket == "" {
		return nil, fmt.Errorf("upload params missing url or bucket")
	}

	cfg := aws.NewConfig()
	cfg.BaseEndpoint = aws.String(params.URL)
	cfg.Region = "auto"
	cfg.Credentials = credentials.NewStaticCredentialsProvider(params.AccessKey, params.SecretKey, "")
	cfg.RetryMaxAttempts = 10

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &Caller{
		client: client,
		params: params,
		logger: logger.Named("upload"),
	}, nil
}

// Upload walks the output value and uploads every data URL it finds,
// returning the rewritten output and the elapsed time in seconds. Output
// shapes it does not recognize are returned untouched.
func (c *Caller) Upload(ctx context.Context, output any) (any, float64) {
	start := time.Now()
	result := c.uploadValue(ctx, output)
	return result, time.Since(start).Seconds()
}

func (c *Caller) uploadValue(ctx context.Context, output any) any {
	switch v := output.(type) {
	case string:
		return c.uploadOne(ctx, v)
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = c.uploadOne(ctx, item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = c.uploadValue(ctx, item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = c.uploadValue(ctx, item)
		}
		return out
	case map[string][]string:
		out := make(map[string][]string, len(v))
		for k, items := range v {
			rewritten := make([]string, len(items))
			for i, item := range items {
				rewritten[i] = c.uploadOne(ctx, item)
			}
			out[k] = rewritten
		}
		return out
	default:
		return output
	}
}

// uploadOne puts a single data URL into the bucket and returns its public
// URL. Non data-URL strings and failed uploads return the input unchanged.
func (c *Caller) uploadOne(ctx context.Context, item string) string {
	if !strings.HasPrefix(item, "data:") {
		return item
	}
	log := c.logger.Sugar()

	du, err := dataurl.DecodeString(item)
	if err != nil {
		log.Warnw("failed to decode data url", "error", err)
		return item
	}
	contentType := du.MediaType.ContentType()

	key := c.params.ObjectKey
	if key == "" {
		sum := md5.Sum(du.Data)
		key = hex.EncodeToString(sum[:]) + extensionForType(contentType)
	}
	if c.params.PathPrefix != "" {
		key = path.Join(c.params.PathPrefix, key)
	}

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.params.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(du.Data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		log.Warnw("failed to upload file", "key", key, "error", err)
		return item
	}

	log.Infow("uploaded file", "key", key, "size", len(du.Data))

	base := c.params.URLPrefix
	if base == "" {
		base = strings.TrimSuffix(c.params.URL, "/") + "/" + c.params.Bucket
	}
	return strings.TrimSuffix(base, "/") + "/" + key
}

func extensionForType(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	// ExtensionsByType is sorted; prefer the common short forms.
	for _, preferred := range []string{".jpg", ".png", ".txt", ".wav", ".mp4"} {
		for _, ext := range exts {
			if ext == preferred {
				return ext
			}
		}
	}
	return exts[0]
}
