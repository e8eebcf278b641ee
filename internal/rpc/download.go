package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

// Download fetches the binary produced by the named procedure and saves it in
// dir. When filename is empty the server's Content-Disposition name is used,
// falling back to the procedure name. It returns the saved path.
func (c *Client) Download(ctx context.Context, name string, args []any, dir, filename string) (string, error) {
	body, err := json.Marshal(newRequest(name, args, nil))
	if err != nil {
		return "", fmt.Errorf("failed to encode request for %s: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+DownloadPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, name, req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)

	if filename == "" {
		filename = attachmentName(resp.Header.Get("Content-Disposition"))
	}
	if filename == "" {
		filename = name
	}

	return saveFile(dir, filepath.Base(filename), resp.Body)
}

func attachmentName(header string) string {
	if header == "" {
		return ""
	}

	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}

	return params["filename"]
}

// saveFile never leaves a partial file under the final name.
func saveFile(dir, filename string, src io.Reader) (string, error) {
	if dir == "" {
		dir = "."
	}

	tmp, err := os.CreateTemp(dir, "."+filename+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create download file: %w", err)
	}

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", &TransportError{Err: err}
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write download file: %w", err)
	}

	dest := filepath.Join(dir, filename)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to save download file: %w", err)
	}

	return dest, nil
}
