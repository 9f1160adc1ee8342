package imagegen

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/genbot/internal/models"
)

func TestSubmit_SendsMultipartForm(t *testing.T) {
	id := uuid.New()
	seed := int64(9)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, id.String(), r.FormValue("id_gen"))
		assert.Equal(t, "https://bot.example/webhook/image-process", r.FormValue("webhook"))
		assert.Equal(t, "anime", r.FormValue("style"))
		assert.Equal(t, "512x512", r.FormValue("size"))
		assert.Equal(t, "9", r.FormValue("seed"))

		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "jpegbytes", string(data))
		assert.Equal(t, "in.jpg", hdr.Filename)

		_, _ = w.Write([]byte(`{"queue_num":3,"api_balance":120.5}`))
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, APIKey: "secret", WebhookBaseURL: "https://bot.example/"})
	res, err := c.Submit(context.Background(), SubmitRequest{
		CorrelationID: id,
		Type:          models.TaskTypeImage,
		Image:         bytes.NewReader([]byte("jpegbytes")),
		Filename:      "in.jpg",
		Params:        &Params{Style: "anime", Size: "512x512", Seed: &seed},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.QueueNum)
	assert.InDelta(t, 120.5, res.APIBalance, 1e-9)
}

func TestSubmit_ErrorClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"bad request is permanent", http.StatusBadRequest, ErrRejected},
		{"rate limit is transient", http.StatusTooManyRequests, models.ErrUpstream},
		{"server error is transient", http.StatusBadGateway, models.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			c := NewClient(Config{URL: srv.URL})
			_, err := c.Submit(context.Background(), SubmitRequest{
				CorrelationID: uuid.New(), Type: models.TaskTypeImage,
				Image: strings.NewReader("x"), Params: &Params{Style: "photo", Size: DefaultSize},
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSubmit_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{URL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Submit(context.Background(), SubmitRequest{
		CorrelationID: uuid.New(), Type: models.TaskTypeImage,
		Image: strings.NewReader("x"), Params: &Params{Style: "photo", Size: DefaultSize},
	})
	assert.ErrorIs(t, err, models.ErrUpstreamTimeout)
	assert.True(t, models.Retryable(err))
}

func TestBalanceAndStatus(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/balance":
			_, _ = w.Write([]byte(`{"balance":42}`))
		case "/api/status/" + id.String():
			_, _ = w.Write([]byte(`{"status":"queued","queue_position":5}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL + "/api"})
	balance, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 42.0, balance, 1e-9)

	st, err := c.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "queued", st.Status)
	assert.Equal(t, 5, st.QueuePosition)
}

func TestWebhookURL(t *testing.T) {
	c := NewClient(Config{WebhookBaseURL: "https://bot.example"})
	assert.Equal(t, "https://bot.example/webhook/video-process", c.WebhookURL(models.TaskTypeVideo))
	assert.Equal(t, "https://bot.example/webhook/faceswap-process", c.WebhookURL(models.TaskTypeFaceSwap))
}
