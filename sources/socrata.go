package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/criteria"
	"golang.org/x/time/rate"
)

// SocrataClient queries the SODA API of an open data portal. It is safe for
// concurrent use; all requests share one rate limiter.
type SocrataClient struct {
	baseURL    string
	appToken   string
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
}

func NewSocrataClient(s config.EngineSettings) *SocrataClient {
	timeout := s.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := s.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	retries := s.HTTPMaxRetries
	if retries < 0 {
		retries = 0
	}
	return &SocrataClient{
		baseURL:    strings.TrimRight(s.SocrataBaseURL, "/"),
		appToken:   s.SocrataAppToken,
		http:       &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		maxRetries: retries,
		backoff:    500 * time.Millisecond,
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("socrata api error %d: %s", e.StatusCode, e.Body)
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Query fetches rows of datasetID matching params, retrying throttled and
// transient failures with exponential backoff.
func (c *SocrataClient) Query(ctx context.Context, datasetID string, params url.Values) ([]RawRecord, error) {
	endpoint := fmt.Sprintf("%s/resource/%s.json", c.baseURL, url.PathEscape(datasetID))
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			sleep := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
		}
		rows, err := c.get(ctx, endpoint)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *SocrataClient) get(ctx context.Context, endpoint string) ([]RawRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.appToken != "" {
		req.Header.Set("X-App-Token", c.appToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var rows []RawRecord
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode socrata response: %w", err)
	}
	return rows, nil
}

// SocrataProvider serves one dataset through a shared client.
type SocrataProvider struct {
	client  *SocrataClient
	dataset Dataset
}

func NewSocrataProvider(client *SocrataClient, dataset Dataset) *SocrataProvider {
	return &SocrataProvider{client: client, dataset: dataset}
}

func (p *SocrataProvider) FetchByIdentifier(ctx context.Context, ids Identifiers, page Pagination) ([]RawRecord, error) {
	if p.dataset.ID == "" {
		return nil, fmt.Errorf("%s: %w", p.dataset.Key, ErrDatasetNotConfigured)
	}
	where, err := p.dataset.Where(ids, page.Since)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("$where", where)
	params.Set("$order", ":id")
	if page.Limit > 0 {
		params.Set("$limit", strconv.Itoa(page.Limit))
	}
	if page.Offset > 0 {
		params.Set("$offset", strconv.Itoa(page.Offset))
	}
	return p.client.Query(ctx, p.dataset.ID, params)
}

func soqlString(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func trimZeros(v string) string {
	t := strings.TrimLeft(v, "0")
	if t == "" {
		return "0"
	}
	return t
}

// Where builds the SoQL filter for ids, preferring BIN, then BBL, then
// borough/block/lot.
func (d Dataset) Where(ids Identifiers, since *time.Time) (string, error) {
	var clause string
	switch {
	case ids.BIN != "" && d.BINField != "":
		clause = fmt.Sprintf("%s = %s", d.BINField, soqlString(ids.BIN))
	case ids.BBL != "" && d.BBLField != "":
		clause = fmt.Sprintf("%s = %s", d.BBLField, soqlString(ids.BBL))
	case ids.Borough != "" && ids.Block != "" && ids.Lot != "" &&
		d.BoroughField != "" && d.BlockField != "" && d.LotField != "":
		borough := ids.Borough
		if d.BoroughAsName {
			borough = criteria.BoroughName(ids.Borough)
			if borough == "" {
				return "", ErrNoIdentifiers
			}
		}
		block, lot := ids.Block, ids.Lot
		if d.TrimBlockLot {
			block, lot = trimZeros(block), trimZeros(lot)
		}
		clause = fmt.Sprintf("%s = %s AND %s = %s AND %s = %s",
			d.BoroughField, soqlString(borough), d.BlockField, soqlString(block), d.LotField, soqlString(lot))
	default:
		return "", ErrNoIdentifiers
	}
	if since != nil && d.DateField != "" {
		layout := d.DateLayout
		if layout == "" {
			layout = floatingTimestamp
		}
		clause = fmt.Sprintf("%s AND %s >= %s", clause, d.DateField, soqlString(since.UTC().Format(layout)))
	}
	return clause, nil
}

// NewRegistry builds a Socrata provider for every dataset with an id.
func NewRegistry(s config.EngineSettings) Registry {
	client := NewSocrataClient(s)
	reg := Registry{}
	for key, ds := range Catalog() {
		if ds.ID == "" {
			continue
		}
		reg[key] = NewSocrataProvider(client, ds)
	}
	return reg
}
