package meshrepo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/spaghettifunk/alaska-engine/engine/core"
)

// Lane names one of the three HTTP client configurations distinguished by
// timeout, retry behaviour and concurrency bounds (spec.md §6 "Policy
// lane", §9 "Open question — legacy fallback").
type Lane int

const (
	LaneSmall Lane = iota
	LaneLarge
	LaneLegacy
)

func (l Lane) String() string {
	switch l {
	case LaneSmall:
		return "small"
	case LaneLarge:
		return "large"
	case LaneLegacy:
		return "legacy"
	default:
		return "unknown_lane"
	}
}

// LargeSectionThreshold is the size at or above which a sub-section fetch
// uses the large lane (spec.md §4.5).
const LargeSectionThreshold = 2 * 1024 * 1024

// Lane timeouts, per spec.md §5.
const (
	smallLaneTimeout = 120 * time.Second
	largeLaneTimeout = 600 * time.Second
)

// Lane concurrency ceilings, per spec.md §4.3: "configurable, clamped to 32
// (modern transport) or 64 (legacy transport)".
const (
	ModernLaneMaxInFlight = 32
	LegacyLaneMaxInFlight = 64
)

// FetchResult is what the HTTP client hands back to the repo worker after a
// completed range request — spec.md §4.7's "HTTP response handling".
type FetchResult struct {
	StatusCode   int
	Partial      bool // true for 206, false for 200
	RangeStart   int  // response's Content-Range start byte, when present
	RangeKnown   bool
	Body         []byte
	RetryAfter   time.Duration
	RetryAfterOK bool
	Err          error
}

// completion is how a fetch's outcome crosses from an HTTP transport
// goroutine back onto the repo worker — spec.md §5: "expected to queue
// callbacks for the repo worker to flush via its update() call (so handlers
// execute on the repo worker's thread)".
type completion struct {
	handle uint64
	result FetchResult
}

// HTTPClient issues byte-range GETs on one of the three policy lanes and
// delivers completions onto a channel the repo worker drains — spec.md
// §2's "HTTP client adapter".
type HTTPClient struct {
	clients map[Lane]*http.Client
	gates   map[Lane]*semaphore.Weighted
	baseURL func(id MeshID) string

	metrics *core.Metrics

	completions chan completion
	nextHandle  uint64
}

func NewHTTPClient(baseURL func(id MeshID) string, metrics *core.Metrics) *HTTPClient {
	return &HTTPClient{
		clients: map[Lane]*http.Client{
			LaneSmall:  {Timeout: smallLaneTimeout},
			LaneLarge:  {Timeout: largeLaneTimeout},
			LaneLegacy: {Timeout: smallLaneTimeout},
		},
		gates: map[Lane]*semaphore.Weighted{
			LaneSmall:  semaphore.NewWeighted(int64(ModernLaneMaxInFlight)),
			LaneLarge:  semaphore.NewWeighted(int64(ModernLaneMaxInFlight)),
			LaneLegacy: semaphore.NewWeighted(int64(LegacyLaneMaxInFlight)),
		},
		baseURL:     baseURL,
		metrics:     metrics,
		completions: make(chan completion, 256),
	}
}

// LaneFor picks the small or large lane for a sub-section fetch of the
// given size, per spec.md §4.5.
func LaneFor(size int) Lane {
	if size >= LargeSectionThreshold {
		return LaneLarge
	}
	return LaneSmall
}

// MaxInFlight returns the concurrency ceiling for a lane.
func MaxInFlight(lane Lane) int {
	if lane == LaneLegacy {
		return LegacyLaneMaxInFlight
	}
	return ModernLaneMaxInFlight
}

// Get issues a byte-range GET in its own goroutine, gated by the lane's
// semaphore so the number of in-flight requests per lane never exceeds
// MaxInFlight (spec.md §4.3's high-water concurrency bound). Returns ok=false
// without starting anything if the lane is already saturated — the caller
// should treat that as backpressure and stop dispatching for this tick.
func (c *HTTPClient) Get(ctx context.Context, lane Lane, id MeshID, offset, length int) (handle uint64, ok bool) {
	gate := c.gates[lane]
	if !gate.TryAcquire(1) {
		return 0, false
	}

	c.nextHandle++
	handle = c.nextHandle

	client := c.clients[lane]
	url := c.baseURL(id)

	if c.metrics != nil {
		c.metrics.HTTPRequestCount.Inc()
		if lane == LaneLarge {
			c.metrics.HTTPLargeReqCount.Inc()
		}
	}

	go func() {
		result := c.doGet(ctx, client, url, offset, length)
		gate.Release(1)
		c.completions <- completion{handle: handle, result: result}
	}()

	return handle, true
}

func (c *HTTPClient) doGet(ctx context.Context, client *http.Client, url string, offset, length int) FetchResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{Err: fmt.Errorf("%w: %v", core.ErrTransient, err)}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	req.Header.Set("Accept", "application/vnd.ll.mesh")

	clock := core.NewClock()
	clock.Start()
	defer func() {
		clock.Update()
		if c.metrics != nil {
			c.metrics.HTTPRequestDuration.Update(clock.Elapsed() / float64(time.Second))
		}
	}()

	resp, err := client.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HTTPErrorCount.Inc()
		}
		return FetchResult{Err: fmt.Errorf("%w: %v", core.ErrTransient, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HTTPErrorCount.Inc()
		}
		return FetchResult{Err: fmt.Errorf("%w: %v", core.ErrTransient, err)}
	}

	result := FetchResult{
		StatusCode: resp.StatusCode,
		Body:       body,
	}
	if c.metrics != nil {
		c.metrics.BytesReceived.Add(len(body))
	}

	if resp.StatusCode == http.StatusPartialContent {
		result.Partial = true
		if start, ok := parseContentRangeStart(resp.Header.Get("Content-Range")); ok {
			result.RangeStart = start
			result.RangeKnown = true
		}
	} else if resp.StatusCode != http.StatusOK {
		if c.metrics != nil {
			c.metrics.HTTPErrorCount.Inc()
		}
		result.Err = fmt.Errorf("%w: status %d", classifyStatus(resp.StatusCode), resp.StatusCode)
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			result.RetryAfter = time.Duration(secs) * time.Second
			result.RetryAfterOK = true
		}
	}

	return result
}

// classifyStatus maps an HTTP status to the error kind spec.md §7
// describes: a 404 is NotFound, everything else non-success is Transient
// (eligible for retry).
func classifyStatus(status int) error {
	if status == http.StatusNotFound {
		return core.ErrNotFound
	}
	return core.ErrTransient
}

// parseContentRangeStart extracts the start byte from a header of the form
// "bytes 1024-2047/4096".
func parseContentRangeStart(header string) (int, bool) {
	if header == "" {
		return 0, false
	}
	var unit string
	var start, end, total int
	n, err := fmt.Sscanf(header, "%s %d-%d/%d", &unit, &start, &end, &total)
	if err != nil || n != 4 {
		return 0, false
	}
	return start, true
}

// Completions is the channel the repo worker drains on its update() call.
func (c *HTTPClient) Completions() <-chan completion {
	return c.completions
}
