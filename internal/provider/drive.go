package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"
)

const (
	defaultDriveUploadURL = "https://www.googleapis.com/upload/drive/v3/files?uploadType=multipart&fields=id"
	defaultDriveAboutURL  = "https://www.googleapis.com/drive/v3/about?fields=user"
)

type DriveOptions struct {
	// UploadURL and AboutURL override the Drive API endpoints.
	UploadURL string
	AboutURL  string
	// Timeout bounds each API round trip. Defaults to 5m for uploads.
	Timeout time.Duration
}

// DriveClient stores files in the user's Google Drive via the v3
// multipart upload endpoint.
type DriveClient struct {
	uploadURL string
	aboutURL  string
	http      *http.Client
}

func NewDriveClient(opts DriveOptions) *DriveClient {
	uploadURL := opts.UploadURL
	if uploadURL == "" {
		uploadURL = defaultDriveUploadURL
	}
	aboutURL := opts.AboutURL
	if aboutURL == "" {
		aboutURL = defaultDriveAboutURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &DriveClient{
		uploadURL: uploadURL,
		aboutURL:  aboutURL,
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *DriveClient) Name() string { return "google_drive" }

func (c *DriveClient) Upload(ctx context.Context, creds Credentials, localPath, filename string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	metaPart, err := mw.CreatePart(metaHeader)
	if err != nil {
		return "", err
	}
	if err := json.NewEncoder(metaPart).Encode(map[string]string{"name": filename}); err != nil {
		return "", err
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Type", "application/octet-stream")
	filePart, err := mw.CreatePart(fileHeader)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(filePart, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", driveAPIError(resp)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode drive upload response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("drive upload response missing file id")
	}
	return out.ID, nil
}

func (c *DriveClient) CheckConnection(ctx context.Context, creds Credentials) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.aboutURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return driveAPIError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// driveAPIError keeps the response body in the message so the error
// classifier can see Drive reason strings like storageQuotaExceeded
// and userRateLimitExceeded.
func driveAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("google drive api error (status %d): %s", resp.StatusCode, msg)
}
