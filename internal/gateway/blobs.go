package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/clanhub/appcore/internal/apperrors"
)

// UploadBlob posts a file as multipart form data. extras become additional
// form fields.
func (c *Client) UploadBlob(ctx context.Context, endpoint, filename string, r io.Reader, extras map[string]string) (json.RawMessage, error) {
	if !c.monitor.State().Online {
		return nil, apperrors.New(apperrors.CodeOffline, "blob upload requires connectivity")
	}

	var buf strings.Builder
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "create multipart part", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "read blob", err)
	}
	for k, v := range extras {
		if err := writer.WriteField(k, v); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternal, "write form field", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "finalize multipart body", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, strings.NewReader(buf.String()))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "build upload request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if session := c.Session(); session != nil {
		req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetwork, "upload failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetwork, "read upload response", err)
	}
	if appErr := apperrors.FromStatus(resp.StatusCode, "upload rejected"); appErr != nil {
		return nil, appErr
	}
	return data, nil
}

// DownloadBlob streams a remote resource into destDir under destName and
// returns the final path. The write goes through a temp file so a failed
// download leaves nothing behind.
func (c *Client) DownloadBlob(ctx context.Context, url, destDir, destName string) (string, error) {
	if !c.monitor.State().Online {
		return "", apperrors.New(apperrors.CodeOffline, "blob download requires connectivity")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnavailable, "create blob directory", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInternal, "build download request", err)
	}
	if session := c.Session(); session != nil {
		req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeNetwork, "download failed", err)
	}
	defer resp.Body.Close()

	if appErr := apperrors.FromStatus(resp.StatusCode, "download rejected"); appErr != nil {
		return "", appErr
	}

	dest := filepath.Join(destDir, filepath.Base(destName))
	tmp, err := os.CreateTemp(destDir, ".download-*")
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnavailable, "create temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", apperrors.Wrap(apperrors.CodeNetwork, "stream download", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", apperrors.Wrap(apperrors.CodeUnavailable, "close temp file", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", apperrors.Wrap(apperrors.CodeUnavailable, fmt.Sprintf("move blob to %s", dest), err)
	}
	return dest, nil
}
