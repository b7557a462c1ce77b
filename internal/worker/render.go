package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"clip-publisher/internal/config"
	"clip-publisher/internal/models"
)

// platform thumbnail dimensions, keyed by platform identifier. YouTube wants
// 16:9 covers, TikTok wants 9:16.
var thumbnailSizes = map[string][2]int{
	models.PlatformYouTube: {1280, 720},
	models.PlatformTikTok:  {1080, 1920},
}

type thumbUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// RenderHandler produces platform thumbnail variants from a clip's poster
// frame. The heavy video rendering itself happens in an external encode
// service; this handler covers the image variants the publish step needs.
type RenderHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      thumbUploader
	s3         thumbUploader
}

// NewRenderHandler constructs the handler and chooses an uploader (local
// directory for dev, S3 when a bucket is configured).
func NewRenderHandler(ctx context.Context, cfg config.Config) (*RenderHandler, error) {
	var s3Upload thumbUploader
	if cfg.ClipS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ClipS3Bucket}
	}

	return &RenderHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.ThumbDownloadTimeout},
		local:      &localUploader{baseDir: cfg.ThumbOutputDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ClipS3Region),
	}
	if cfg.ClipS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ClipS3Endpoint,
					HostnameImmutable: cfg.ClipS3PathStyle,
					SigningRegion:     cfg.ClipS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ClipS3PathStyle
	}), nil
}

type renderResult struct {
	Thumbnails map[string]string `json:"thumbnails"`
}

// Handle downloads the poster frame and uploads one resized thumbnail per
// publishing platform.
func (h *RenderHandler) Handle(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var payload models.RenderJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode render payload: %w", err)
	}
	if payload.SourceURL == "" {
		return nil, errors.New("source_url is required")
	}
	if payload.ClipID == "" {
		return nil, errors.New("clip_id is required")
	}

	data, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode poster frame: %w", err)
	}

	uploader := h.pickUploader()
	result := renderResult{Thumbnails: make(map[string]string)}

	for platform, size := range thumbnailSizes {
		variant := imaging.Fill(img, size[0], size[1], imaging.Center, imaging.Lanczos)
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, variant, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			return nil, fmt.Errorf("encode %s thumbnail: %w", platform, err)
		}

		key := sanitizeKey(fmt.Sprintf("thumbnails/%s/%s.jpg", payload.ClipID, platform))
		location, err := uploader.Upload(ctx, key, buf.Bytes(), "image/jpeg")
		if err != nil {
			return nil, fmt.Errorf("upload %s thumbnail: %w", platform, err)
		}
		result.Thumbnails[platform] = location
	}

	return json.Marshal(result)
}

func (h *RenderHandler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download poster frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download poster frame: status %d", resp.StatusCode)
	}

	limit := h.cfg.ThumbMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read poster frame: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("poster frame too large (>%d bytes)", limit)
	}
	return body, nil
}

func (h *RenderHandler) pickUploader() thumbUploader {
	if h.s3 != nil {
		return h.s3
	}
	return h.local
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
