package schema

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const maxDefinitionBytes = 8 << 20

// Source supplies a process definition.
type Source interface {
	Fetch(ctx context.Context) (*Process, error)
}

// NewSource returns a URLSource for http(s) references and a FileSource for
// anything else.
func NewSource(ref string) Source {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return &URLSource{URL: ref}
	}

	return &FileSource{Path: ref}
}

// URLSource fetches a process definition over HTTP.
type URLSource struct {
	URL    string
	Client *http.Client
}

func (s *URLSource) Fetch(ctx context.Context) (*Process, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch process definition %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"fetch process definition %s: unexpected status %d",
			s.URL,
			resp.StatusCode,
		)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDefinitionBytes))
	if err != nil {
		return nil, fmt.Errorf("read process definition %s: %w", s.URL, err)
	}

	return Parse(data)
}

// FileSource reads a process definition from a local JSON file.
type FileSource struct {
	Path string
}

func (s *FileSource) Fetch(ctx context.Context) (*Process, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read process definition: %w", err)
	}

	return Parse(data)
}

// Static is a Source that returns an already loaded process definition.
type Static struct {
	Process *Process
}

func (s Static) Fetch(ctx context.Context) (*Process, error) {
	if s.Process == nil {
		return nil, fmt.Errorf("no process definition")
	}

	return s.Process, nil
}
