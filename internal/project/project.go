// Package project stores uploaded project files. A project file (.prj) is a
// gzip-compressed JSON document; it is kept verbatim in Redis next to a small
// metadata record so it can be downloaded again byte for byte.
package project

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	Extension = ".prj"

	keyPrefix = "project:"
	namesKey  = "project_names"
	metaField = "meta"
	blobField = "blob"

	maxDocumentSize = 64 << 20
)

var (
	ErrBadFormat = errors.New("not a valid project file")
	ErrDuplicate = errors.New("a project with this name already exists")
	ErrNotFound  = errors.New("project not found")
)

type Document struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Filename    string    `json:"filename"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// DownloadName is the filename offered when the project is downloaded.
func (p *Project) DownloadName() string {
	return p.Name + Extension
}

// Decode reads a project file. Anything that is not gzip-wrapped JSON with a
// name yields an error wrapping ErrBadFormat.
func Decode(r io.Reader) (*Document, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	defer func() { _ = zr.Close() }()

	var doc Document
	dec := json.NewDecoder(io.LimitReader(zr, maxDocumentSize))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if strings.TrimSpace(doc.Name) == "" {
		return nil, fmt.Errorf("%w: missing project name", ErrBadFormat)
	}

	return &doc, nil
}

func Encode(w io.Writer, doc *Document) error {
	zw := gzip.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		_ = zw.Close()
		return err
	}

	return zw.Close()
}

type Store struct {
	client *redis.Client
}

func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

func projectKey(id string) string {
	return keyPrefix + id
}

// Add validates blob as a project file and stores it under a new id. Project
// names are unique.
func (s *Store) Add(ctx context.Context, filename string, blob []byte) (*Project, error) {
	if !strings.EqualFold(extension(filename), Extension) {
		return nil, fmt.Errorf("%w: unexpected extension in %q", ErrBadFormat, filename)
	}

	doc, err := Decode(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}

	p := &Project{
		ID:          uuid.New().String(),
		Name:        doc.Name,
		Description: doc.Description,
		Filename:    filename,
		Size:        len(blob),
		CreatedAt:   time.Now(),
	}

	reserved, err := s.client.HSetNX(ctx, namesKey, p.Name, p.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve project name: %w", err)
	}
	if !reserved {
		return nil, ErrDuplicate
	}

	meta, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	if err := s.client.HSet(ctx, projectKey(p.ID), metaField, meta, blobField, blob).Err(); err != nil {
		s.client.HDel(ctx, namesKey, p.Name)
		return nil, fmt.Errorf("failed to save project: %w", err)
	}

	return p, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Project, error) {
	meta, err := s.client.HGet(ctx, projectKey(id), metaField).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var p Project
	if err := json.Unmarshal([]byte(meta), &p); err != nil {
		return nil, fmt.Errorf("failed to decode project %s: %w", id, err)
	}

	return &p, nil
}

// Blob returns the project metadata together with the file as uploaded.
func (s *Store) Blob(ctx context.Context, id string) (*Project, []byte, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	blob, err := s.client.HGet(ctx, projectKey(id), blobField).Bytes()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load project file %s: %w", id, err)
	}

	return p, blob, nil
}

func (s *Store) List(ctx context.Context) ([]*Project, error) {
	ids, err := s.client.HVals(ctx, namesKey).Result()
	if err != nil {
		return nil, err
	}

	projects := make([]*Project, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}

	return projects, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, projectKey(id))
		pipe.HDel(ctx, namesKey, p.Name)
		return nil
	})

	return err
}

func (s *Store) Close() error {
	return s.client.Close()
}

func extension(filename string) string {
	i := strings.LastIndex(filename, ".")
	if i < 0 {
		return ""
	}

	return filename[i:]
}
