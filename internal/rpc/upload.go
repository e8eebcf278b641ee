package rpc

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
)

// FileFilter lists the extensions a procedure accepts, e.g. {".prj"} or
// {".xlsx", ".xls"}. An empty filter accepts any file.
type FileFilter []string

// ParseFileFilter reads the comma separated form used in procedure tables,
// ".prj" or ".xlsx,.xls".
func ParseFileFilter(s string) FileFilter {
	var filter FileFilter
	for _, ext := range strings.Split(s, ",") {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		filter = append(filter, ext)
	}

	return filter
}

func (f FileFilter) Accepts(path string) bool {
	if len(f) == 0 {
		return true
	}

	ext := filepath.Ext(path)
	for _, allowed := range f {
		if strings.EqualFold(ext, allowed) {
			return true
		}
	}

	return false
}

func (f FileFilter) String() string {
	return strings.Join(f, ",")
}

// Upload streams the file at path as multipart content alongside the procedure
// name and arguments. A path outside filter fails with ErrFileRejected before
// any request is made. A file the server understands but rejects still comes
// back as a normal response; use PayloadError to inspect it.
func (c *Client) Upload(ctx context.Context, name string, args []any, kwargs map[string]any, path string, filter FileFilter) (json.RawMessage, error) {
	if !filter.Accepts(path) {
		return nil, fmt.Errorf("%w: %s does not match %s", ErrFileRejected, filepath.Base(path), filter)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload file: %w", err)
	}

	argsJSON, err := json.Marshal(newRequest(name, args, kwargs).Args)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to encode upload args: %w", err)
	}

	var kwargsJSON []byte
	if kwargs != nil {
		if kwargsJSON, err = json.Marshal(kwargs); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to encode upload kwargs: %w", err)
		}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer func() { _ = file.Close() }()
		_ = pw.CloseWithError(writeUploadForm(mw, name, argsJSON, kwargsJSON, filepath.Base(path), file))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+UploadPath, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(ctx, name, req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return nil, err
	}

	return readJSON(name, resp)
}

func writeUploadForm(mw *multipart.Writer, name string, args, kwargs []byte, filename string, file io.Reader) error {
	if err := mw.WriteField(FieldName, name); err != nil {
		return err
	}
	if err := mw.WriteField(FieldArgs, string(args)); err != nil {
		return err
	}
	if kwargs != nil {
		if err := mw.WriteField(FieldKwargs, string(kwargs)); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile(FieldFile, filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}

	return mw.Close()
}
