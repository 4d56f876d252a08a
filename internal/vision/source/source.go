// Package source fetches single frames from a camera's configured video
// source. Supported schemes are file:// (and bare paths) for frame
// directories or still images, and http(s):// for snapshot endpoints.
// RTSP sources are recognized but not yet implemented.
package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/floorops/floorops/internal/domain"
)

// Failure reasons, surfaced as metric labels and degradation details.
const (
	ReasonUnreachable = "unreachable"
	ReasonTimeout     = "timeout"
	ReasonDecode      = "decode"
	ReasonUnsupported = "unsupported"
)

// Frame is one captured frame. Format is "jpeg" or "png", sniffed from
// the payload.
type Frame struct {
	Bytes     []byte
	Index     int64
	Timestamp time.Time
	Format    string
}

// Fetcher fetches one frame per call, assigning monotonic frame indices.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURI string) (*Frame, error)
}

// Adapter dispatches on the URI scheme. One Adapter serves one camera;
// the frame counter is per-adapter.
type Adapter struct {
	client *http.Client
	now    func() time.Time

	mu    sync.Mutex
	index int64
	// cursor walks a file:// directory in name order, wrapping at the end.
	cursor int
}

// New returns an adapter using client for http(s) sources. A nil client
// gets a default with no internal timeout; callers bound fetches with ctx.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{client: client, now: time.Now}
}

var _ Fetcher = (*Adapter)(nil)

func (a *Adapter) Fetch(ctx context.Context, sourceURI string) (*Frame, error) {
	u, err := url.Parse(sourceURI)
	if err != nil {
		return nil, domain.Wrap(domain.KindDegraded, "source", ReasonUnsupported, err)
	}

	var data []byte
	switch u.Scheme {
	case "", "file":
		data, err = a.fetchFile(u)
	case "http", "https":
		data, err = a.fetchHTTP(ctx, sourceURI)
	case "rtsp":
		// TODO: wire an RTSP client once a restaurant deploys a stream
		// that the snapshot endpoint cannot cover.
		return nil, domain.E(domain.KindDegraded, "source", ReasonUnsupported)
	default:
		return nil, domain.Ef(domain.KindDegraded, "source", "%s: scheme %q", ReasonUnsupported, u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	format, ok := sniffFormat(data)
	if !ok {
		return nil, domain.E(domain.KindDegraded, "source", ReasonDecode)
	}

	a.mu.Lock()
	idx := a.index
	a.index++
	a.mu.Unlock()

	return &Frame{Bytes: data, Index: idx, Timestamp: a.now().UTC(), Format: format}, nil
}

// fetchFile reads a still image, or the next frame from a directory of
// frames in lexical order.
func (a *Adapter) fetchFile(u *url.URL) ([]byte, error) {
	path := u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	if path == "" {
		path = u.String()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, domain.Wrap(domain.KindDegraded, "source", ReasonUnreachable, err)
	}

	if info.IsDir() {
		path, err = a.nextInDir(path)
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.Wrap(domain.KindDegraded, "source", ReasonUnreachable, err)
	}
	return data, nil
}

func (a *Adapter) nextInDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", domain.Wrap(domain.KindDegraded, "source", ReasonUnreachable, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", domain.Ef(domain.KindDegraded, "source", "%s: no frames in %s", ReasonUnreachable, dir)
	}
	sort.Strings(names)

	a.mu.Lock()
	name := names[a.cursor%len(names)]
	a.cursor++
	a.mu.Unlock()

	return filepath.Join(dir, name), nil
}

func (a *Adapter) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, domain.Wrap(domain.KindDegraded, "source", ReasonUnreachable, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, domain.Wrap(domain.KindDegraded, "source", classifyNetErr(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.Ef(domain.KindDegraded, "source", "%s: status %d", ReasonUnreachable, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Wrap(domain.KindDegraded, "source", classifyNetErr(err), err)
	}
	return data, nil
}

func classifyNetErr(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonTimeout
	}
	return ReasonUnreachable
}

// Reason extracts the failure reason label from a fetch error.
func Reason(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		if i := strings.IndexByte(de.Msg, ':'); i > 0 {
			return de.Msg[:i]
		}
		return de.Msg
	}
	return "unknown"
}

var (
	jpegMagic = []byte{0xff, 0xd8, 0xff}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
)

func sniffFormat(data []byte) (string, bool) {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return "jpeg", true
	case bytes.HasPrefix(data, pngMagic):
		return "png", true
	}
	return "", false
}
