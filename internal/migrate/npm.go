package migrate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tidwall/gjson"
)

// DefaultRegistry is the public npm registry.
const DefaultRegistry = "https://registry.npmjs.org"

// Registry looks up package versions on an npm registry.
type Registry struct {
	base   string
	client *http.Client
}

// NewRegistry returns a client for base, or the public registry when empty.
func NewRegistry(base string) *Registry {
	if base == "" {
		base = DefaultRegistry
	}
	return &Registry{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Latest returns the version tagged latest for pkg.
func (r *Registry) Latest(ctx context.Context, pkg string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/latest", r.base, url.PathEscape(pkg))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", goerr.Wrap(err, "build registry request", goerr.V("url", endpoint))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", goerr.Wrap(err, "query npm registry", goerr.V("package", pkg))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", goerr.Wrap(err, "read registry response", goerr.V("package", pkg))
	}
	if resp.StatusCode != http.StatusOK {
		return "", goerr.New("npm registry error", goerr.V("package", pkg), goerr.V("status", resp.StatusCode))
	}

	version := gjson.GetBytes(body, "version").String()
	if version == "" {
		return "", goerr.New("registry response has no version", goerr.V("package", pkg))
	}
	return version, nil
}
