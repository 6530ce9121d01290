package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"pressbot/internal/domain"
)

// Imgur implements domain.MediaUploader against the Imgur anonymous upload
// API. Uploads run sequentially in unit order; on failure the references that
// already resolved are returned alongside the error so the degrade policy can
// publish with them.
type Imgur struct {
	clientID string
	apiBase  string
	client   *http.Client
	logger   *slog.Logger
}

type ImgurConfig struct {
	ClientID string
	APIBase  string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewImgur(cfg ImgurConfig) *Imgur {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.imgur.com/3"
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Imgur{
		clientID: cfg.ClientID,
		apiBase:  cfg.APIBase,
		client:   cfg.Client,
		logger:   cfg.Logger,
	}
}

type imgurUploadRequest struct {
	Image string `json:"image"`
	Type  string `json:"type"`
}

type imgurUploadResponse struct {
	Data struct {
		ID         string `json:"id"`
		Link       string `json:"link"`
		DeleteHash string `json:"deletehash"`
	} `json:"data"`
	Success bool `json:"success"`
	Status  int  `json:"status"`
}

func (i *Imgur) UploadMedia(ctx context.Context, units []domain.InboundUnit) ([]domain.HostedMedia, error) {
	var hosted []domain.HostedMedia
	for _, u := range units {
		m, err := i.uploadOne(ctx, u)
		if err != nil {
			i.logger.Warn("media upload failed",
				"unitID", u.ID, "kind", u.Kind, "uploaded", len(hosted), "error", err)
			return hosted, err
		}
		hosted = append(hosted, m)
	}
	return hosted, nil
}

func (i *Imgur) uploadOne(ctx context.Context, unit domain.InboundUnit) (domain.HostedMedia, error) {
	// The unit payload is a fetchable reference; Imgur pulls it server-side.
	body := imgurUploadRequest{Image: unit.Payload, Type: "url"}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return domain.HostedMedia{}, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", i.apiBase+"/upload", bytes.NewReader(jsonBody))
	if err != nil {
		return domain.HostedMedia{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Client-ID "+i.clientID)

	resp, err := i.client.Do(req)
	if err != nil {
		return domain.HostedMedia{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.HostedMedia{}, &domain.HTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var uResp imgurUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uResp); err != nil {
		return domain.HostedMedia{}, fmt.Errorf("decode: %w", err)
	}
	if !uResp.Success || uResp.Data.Link == "" {
		return domain.HostedMedia{}, &domain.TransientError{
			Err: fmt.Errorf("imgur rejected upload (status %d)", uResp.Status),
		}
	}

	return domain.HostedMedia{
		UnitID:     unit.ID,
		URL:        uResp.Data.Link,
		DeleteHash: uResp.Data.DeleteHash,
	}, nil
}
