package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPSource talks to a segment archive with two endpoints:
//
//	GET {base}/search?target=...&mission=...&cadence=...
//	  -> {"segments":[{"id":"...","url":"..."}]} or a bare array
//	GET {segment url}
//	  -> "time,flux" CSV
//
// 404 on search maps to ErrNotFound.
type HTTPSource struct {
	baseURL   string
	client    *http.Client
	userAgent string
}

type HTTPSourceOptions struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
}

func NewHTTPSource(opts HTTPSourceOptions) (*HTTPSource, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("archive base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid archive base URL: %w", err)
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "xenoscan/1.0"
	}
	client := opts.Client
	if client == nil {
		// Per-attempt deadlines come from the caller's context.
		client = &http.Client{Transport: http.DefaultTransport, Timeout: 0}
	}
	return &HTTPSource{
		baseURL:   strings.TrimRight(base, "/"),
		client:    client,
		userAgent: ua,
	}, nil
}

func (s *HTTPSource) Search(ctx context.Context, targetID string, q Query) ([]SegmentRef, error) {
	id := strings.TrimSpace(targetID)
	if id == "" {
		return nil, errors.New("target ID is required")
	}
	u, err := url.Parse(s.baseURL + "/search")
	if err != nil {
		return nil, err
	}
	v := u.Query()
	v.Set("target", id)
	if q.Mission != "" {
		v.Set("mission", q.Mission)
	}
	if q.Cadence != "" {
		v.Set("cadence", q.Cadence)
	}
	u.RawQuery = v.Encode()

	body, err := s.doGET(ctx, u.String(), "application/json")
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	var wrapped struct {
		Segments []SegmentRef `json:"segments"`
	}
	var segs []SegmentRef
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Segments != nil {
		segs = wrapped.Segments
	} else if err := json.Unmarshal(body, &segs); err != nil {
		return nil, fmt.Errorf("search payload parse: %w", err)
	}

	out := normalizeSegments(id, segs)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return out, nil
}

func (s *HTTPSource) Download(ctx context.Context, seg SegmentRef) ([]byte, error) {
	if strings.TrimSpace(seg.URL) == "" {
		return nil, fmt.Errorf("segment %s of %s has no URL", seg.ID, seg.TargetID)
	}
	target := seg.URL
	if !strings.Contains(target, "://") {
		target = s.baseURL + "/" + strings.TrimLeft(target, "/")
	}
	body, err := s.doGET(ctx, target, "text/csv")
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &CacheCorruptError{TargetID: seg.TargetID, Err: err}
		}
		return nil, err
	}
	return body, nil
}

func (s *HTTPSource) doGET(ctx context.Context, u, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, URL: u}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body from %s: %w", u, err)
	}
	if resp.ContentLength > 0 && int64(len(b)) < resp.ContentLength {
		return nil, fmt.Errorf("read body from %s: got %d of %d bytes: %w", u, len(b), resp.ContentLength, io.ErrUnexpectedEOF)
	}
	return b, nil
}

func normalizeSegments(targetID string, in []SegmentRef) []SegmentRef {
	out := make([]SegmentRef, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, seg := range in {
		seg.ID = strings.TrimSpace(seg.ID)
		seg.URL = strings.TrimSpace(seg.URL)
		if seg.ID == "" {
			seg.ID = fmt.Sprintf("seg%03d", i+1)
		}
		if _, ok := seen[seg.ID]; ok {
			continue
		}
		seen[seg.ID] = struct{}{}
		seg.TargetID = targetID
		out = append(out, seg)
	}
	return out
}

var _ Source = (*HTTPSource)(nil)
