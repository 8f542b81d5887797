package cloudinary

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"

	"github.com/noah-isme/assess-pipeline/pkg/docstore"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Store keeps documents as raw Cloudinary assets whose public id is the content digest.
type Store struct {
	client *cloudinary.Cloudinary
	folder string
	http   *http.Client
	logger zerolog.Logger
}

// New constructs a Cloudinary backed document store.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Store{
		client: cld,
		folder: strings.Trim(cfg.Folder, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Put uploads the content unless an asset with the same digest already exists.
func (s *Store) Put(ctx context.Context, data []byte) (docstore.Ref, error) {
	ref := docstore.RefFor(data)

	exists, err := s.Exists(ctx, ref)
	if err != nil {
		return "", err
	}
	if exists {
		return ref, nil
	}

	digest, _ := ref.Digest()
	params := uploader.UploadParams{
		Folder:       s.folder,
		PublicID:     digest,
		ResourceType: "raw",
	}

	result, err := s.client.Upload.Upload(ctx, bytes.NewReader(data), params)
	if err != nil {
		return "", fmt.Errorf("failed to upload document: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("failed to upload document: %s", result.Error.Message)
	}

	s.logger.Info().Str("public_id", result.PublicID).Msg("document uploaded to cloudinary")

	return ref, nil
}

// Get downloads the asset bytes from the delivery URL.
func (s *Store) Get(ctx context.Context, ref docstore.Ref) ([]byte, error) {
	url, err := s.deliveryURL(ref)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, docstore.ErrNotFound
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("failed to fetch document: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	if docstore.RefFor(data) != ref {
		return nil, fmt.Errorf("document digest mismatch for %s", ref)
	}

	return data, nil
}

// Exists issues a HEAD request against the delivery URL.
func (s *Store) Exists(ctx context.Context, ref docstore.Ref) (bool, error) {
	url, err := s.deliveryURL(ref)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to check document: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return false, fmt.Errorf("failed to check document: unexpected status %d", resp.StatusCode)
	}

	return true, nil
}

func (s *Store) deliveryURL(ref docstore.Ref) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	asset, err := s.client.File(publicID(s.folder, ref))
	if err != nil {
		return "", fmt.Errorf("failed to build asset: %w", err)
	}

	url, err := asset.String()
	if err != nil {
		return "", fmt.Errorf("failed to build asset url: %w", err)
	}

	return url, nil
}

func publicID(folder string, ref docstore.Ref) string {
	digest, err := ref.Digest()
	if err != nil {
		digest = string(ref)
	}
	if folder == "" {
		return digest
	}
	return folder + "/" + digest
}
