package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/genbot/internal/models"
)

// ErrRejected means the API refused the request outright; retrying will not help.
var ErrRejected = errors.New("image api rejected request")

type Config struct {
	URL            string        `mapstructure:"url"`
	APIKey         string        `mapstructure:"api_key"`
	WebhookBaseURL string        `mapstructure:"webhook_base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type SubmitRequest struct {
	CorrelationID uuid.UUID
	Type          models.TaskType
	Image         io.Reader
	Filename      string
	Params        *Params
}

type SubmitResult struct {
	QueueNum   int     `json:"queue_num"`
	APIBalance float64 `json:"api_balance"`
}

type QueueStatus struct {
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"`
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// WebhookURL is the callback the API posts results to for a task type.
func (c *Client) WebhookURL(typ models.TaskType) string {
	endpoint := "image-process"
	switch typ {
	case models.TaskTypeVideo:
		endpoint = "video-process"
	case models.TaskTypeFaceSwap:
		endpoint = "faceswap-process"
	}
	return strings.TrimRight(c.cfg.WebhookBaseURL, "/") + "/webhook/" + endpoint
}

// Submit uploads the image with its parameters. The result arrives later on
// the webhook, tagged with id_gen.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	filename := req.Filename
	if filename == "" {
		filename = req.CorrelationID.String() + ".jpg"
	}
	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, req.Image); err != nil {
		return nil, fmt.Errorf("read input image: %w", err)
	}
	fields := map[string]string{
		"id_gen":  req.CorrelationID.String(),
		"webhook": c.WebhookURL(req.Type),
		"style":   req.Params.Style,
		"size":    req.Params.Size,
	}
	if req.Params.Seed != nil {
		fields["seed"] = strconv.FormatInt(*req.Params.Seed, 10)
	}
	if req.Params.Prompt != "" {
		fields["prompt"] = req.Params.Prompt
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	var out SubmitResult
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance returns the remaining provider credit.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.URL, "/")+"/balance", nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Balance float64 `json:"balance"`
	}
	if err := c.do(req, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// Status asks the API where a submitted task sits in its queue.
func (c *Client) Status(ctx context.Context, correlationID uuid.UUID) (*QueueStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.URL, "/")+"/status/"+url.PathEscape(correlationID.String()), nil)
	if err != nil {
		return nil, err
	}
	var out QueueStatus
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, models.ErrUpstreamTimeout)
		}
		return fmt.Errorf("%s %s: %w: %v", req.Method, req.URL.Path, models.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("status %d: %s: %w", resp.StatusCode, bytes.TrimSpace(snippet), ErrRejected)
		}
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, bytes.TrimSpace(snippet), models.ErrUpstream)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w: %v", models.ErrUpstream, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
