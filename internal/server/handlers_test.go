package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/mediasqueeze/internal/imagecodec"
	"github.com/maauso/mediasqueeze/internal/job"
	"github.com/maauso/mediasqueeze/internal/mediaerr"
	"github.com/maauso/mediasqueeze/internal/storage"
)

// mockTranscoder implements job.Transcoder for testing.
type mockTranscoder struct {
	mock.Mock
}

func (m *mockTranscoder) Transcode(ctx context.Context, input []byte) ([]byte, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockTranscoder) ConvertToGIF(ctx context.Context, input []byte) ([]byte, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// mockUpscaler implements job.Upscaler for testing.
type mockUpscaler struct {
	mock.Mock
}

func (m *mockUpscaler) Upscale(ctx context.Context, img []byte, apiKey string) ([]byte, error) {
	args := m.Called(ctx, img, apiKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type staticChecker bool

func (c staticChecker) HardwareEncoderAvailable() bool { return bool(c) }

type testEnv struct {
	handler    http.Handler
	handlers   *Handlers
	service    *job.ProcessMediaService
	transcoder *mockTranscoder
	upscaler   *mockUpscaler
}

func newTestEnv(t *testing.T, opts ...HandlerOption) *testEnv {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	transcoder := &mockTranscoder{}
	upscaler := &mockUpscaler{}
	svc := job.NewProcessMediaService(
		job.NewMemoryRepository(),
		imagecodec.New(imagecodec.WithIterations(1)),
		transcoder,
		store,
		job.WithUpscaler(upscaler, "test-key"),
		job.WithLogger(logger),
	)

	// Disable async processing by default to keep tests deterministic
	opts = append([]HandlerOption{WithAsyncProcessing(false), WithCapabilities(staticChecker(false))}, opts...)
	h := NewHandlers(svc, logger, opts...)
	return &testEnv{
		handler:    NewRouter(h, logger, DefaultConfig()),
		handlers:   h,
		service:    svc,
		transcoder: transcoder,
		upscaler:   upscaler,
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.Set(x, y, color.NRGBA{R: uint8(x * 30), G: uint8(y * 30), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func createJobBody(t *testing.T, op string, input []byte) io.Reader {
	t.Helper()
	data, err := json.Marshal(CreateJobRequest{
		Operation:   op,
		InputBase64: base64.StdEncoding.EncodeToString(input),
	})
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestCapabilities(t *testing.T) {
	tests := []struct {
		name      string
		checker   staticChecker
		wantCodec string
	}{
		{"software fallback", false, "libx265"},
		{"hardware encoder", true, "hevc_nvenc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, WithCapabilities(tt.checker))

			rec := env.do(t, http.MethodGet, "/capabilities", nil)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp CapabilitiesResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, bool(tt.checker), resp.HardwareEncoder)
			assert.Equal(t, tt.wantCodec, resp.Codec)
			assert.Equal(t, []string{"lossy", "lossless", "upscale", "transcode", "gif"}, resp.Operations)
			assert.True(t, resp.Upscale)
		})
	}
}

func TestConvert_Lossy(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/convert/lossy", bytes.NewReader(testPNG(t)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	body := rec.Body.Bytes()
	assert.True(t, bytes.HasPrefix(body, []byte{0xFF, 0xD8, 0xFF}))
	assert.Equal(t, fmt.Sprintf(`"%016x"`, xxhash.Sum64(body)), rec.Header().Get("ETag"))
	assert.Equal(t, fmt.Sprint(len(body)), rec.Header().Get("Content-Length"))
}

func TestConvert_Lossless(t *testing.T) {
	env := newTestEnv(t)
	input := testPNG(t)

	rec := env.do(t, http.MethodPost, "/convert/lossless", bytes.NewReader(input))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	want, err := png.Decode(bytes.NewReader(input))
	require.NoError(t, err)
	got, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, want.Bounds(), got.Bounds())
	assert.Equal(t, want.At(3, 5), got.At(3, 5))
}

func TestConvert_Transcode(t *testing.T) {
	env := newTestEnv(t)
	env.transcoder.On("Transcode", mock.Anything, []byte("video")).Return([]byte("mp4"), nil)

	rec := env.do(t, http.MethodPost, "/convert/transcode", strings.NewReader("video"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "mp4", rec.Body.String())
	env.transcoder.AssertExpectations(t)
}

func TestConvert_Upscale(t *testing.T) {
	env := newTestEnv(t)
	env.upscaler.On("Upscale", mock.Anything, []byte("img"), "test-key").Return([]byte("big"), nil)

	rec := env.do(t, http.MethodPost, "/convert/upscale", strings.NewReader("img"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "big", rec.Body.String())
}

func TestConvert_UpscaleTypedByContent(t *testing.T) {
	env := newTestEnv(t)
	jpeg, err := imagecodec.New().ReencodeLossy(testPNG(t))
	require.NoError(t, err)
	env.upscaler.On("Upscale", mock.Anything, mock.Anything, "test-key").Return(jpeg, nil)

	rec := env.do(t, http.MethodPost, "/convert/upscale", strings.NewReader("img"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
}

func TestConvert_Errors(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		body       string
		setup      func(*testEnv)
		wantStatus int
		wantCode   string
		wantKind   string
	}{
		{
			name:       "unknown operation",
			target:     "/convert/resize",
			body:       "x",
			wantStatus: http.StatusNotFound,
			wantCode:   "UNKNOWN_OPERATION",
		},
		{
			name:       "empty body",
			target:     "/convert/lossy",
			wantStatus: http.StatusBadRequest,
			wantCode:   "EMPTY_BODY",
		},
		{
			name:       "undecodable image",
			target:     "/convert/lossy",
			body:       "not an image",
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "OPERATION_FAILED",
			wantKind:   "decode",
		},
		{
			name:   "encoder failure",
			target: "/convert/gif",
			body:   "video",
			setup: func(e *testEnv) {
				e.transcoder.On("ConvertToGIF", mock.Anything, mock.Anything).
					Return(nil, mediaerr.Subprocess("convert to gif", errors.New("exit status 1")))
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "OPERATION_FAILED",
			wantKind:   "subprocess",
		},
		{
			name:   "remote api failure",
			target: "/convert/upscale",
			body:   "img",
			setup: func(e *testEnv) {
				e.upscaler.On("Upscale", mock.Anything, mock.Anything, mock.Anything).
					Return(nil, mediaerr.API("upscale", http.StatusTooManyRequests, "slow down", nil))
			},
			wantStatus: http.StatusBadGateway,
			wantCode:   "OPERATION_FAILED",
			wantKind:   "api",
		},
		{
			name:   "malformed remote response",
			target: "/convert/upscale",
			body:   "img",
			setup: func(e *testEnv) {
				e.upscaler.On("Upscale", mock.Anything, mock.Anything, mock.Anything).
					Return(nil, mediaerr.Malformed("upscale", "parts", "{}"))
			},
			wantStatus: http.StatusBadGateway,
			wantCode:   "OPERATION_FAILED",
			wantKind:   "malformed response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}

			rec := env.do(t, http.MethodPost, tt.target, strings.NewReader(tt.body))

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, tt.wantKind, resp.Kind)
		})
	}
}

func TestConvert_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, WithMaxUploadBytes(16))

	rec := env.do(t, http.MethodPost, "/convert/lossy", bytes.NewReader(make([]byte, 64)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "BODY_TOO_LARGE", decodeError(t, rec).Code)
}

func TestConvert_UpscaleUnavailable(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	svc := job.NewProcessMediaService(job.NewMemoryRepository(), imagecodec.New(), &mockTranscoder{}, store)
	handler := NewRouter(NewHandlers(svc, nil), slog.New(slog.NewTextHandler(io.Discard, nil)), DefaultConfig())

	req := httptest.NewRequest(http.MethodPost, "/convert/upscale", strings.NewReader("img"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "UPSCALE_UNAVAILABLE", decodeError(t, rec).Code)
}

func TestCreateJob_Success(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/jobs", createJobBody(t, "lossy", testPNG(t)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp CreateJobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "IN_QUEUE", resp.Status)

	stored, err := env.service.GetJob(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, job.OpLossy, stored.Operation)
	assert.Positive(t, stored.InputBytes)
}

func TestCreateJob_Validation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"invalid json", `{"operation":`, "INVALID_JSON"},
		{"missing operation", `{"input_base64":"aGVsbG8="}`, "VALIDATION_ERROR"},
		{"unknown operation", `{"operation":"resize","input_base64":"aGVsbG8="}`, "VALIDATION_ERROR"},
		{"missing input", `{"operation":"gif"}`, "VALIDATION_ERROR"},
		{"input not base64", `{"operation":"gif","input_base64":"not base64!"}`, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			rec := env.do(t, http.MethodPost, "/jobs", strings.NewReader(tt.body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestCreateJob_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t, WithMaxUploadBytes(32))

	rec := env.do(t, http.MethodPost, "/jobs", createJobBody(t, "lossy", testPNG(t)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateJob_AsyncProcessing(t *testing.T) {
	env := newTestEnv(t, WithAsyncProcessing(true))
	env.transcoder.On("ConvertToGIF", mock.Anything, []byte("video")).Return([]byte("GIF89a"), nil)

	rec := env.do(t, http.MethodPost, "/jobs", createJobBody(t, "gif", []byte("video")))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created CreateJobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	var resp JobResponse
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/jobs/"+created.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		resp = JobResponse{}
		return json.NewDecoder(rec.Body).Decode(&resp) == nil && resp.Status == "COMPLETED"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "gif", resp.Operation)
	assert.Equal(t, "image/gif", resp.OutputMime)
	assert.Equal(t, 6, resp.OutputBytes)
	assert.NotNil(t, resp.CompletedAt)

	result, err := base64.StdEncoding.DecodeString(resp.ResultBase64)
	require.NoError(t, err)
	assert.Equal(t, "GIF89a", string(result))
}

func TestGetJob_Completed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	j, err := env.service.CreateJob(ctx, job.CreateJobInput{Operation: job.OpLossy, InputBytes: 10})
	require.NoError(t, err)
	_, err = env.service.ProcessExistingJob(ctx, j.ID, testPNG(t))
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/jobs/"+j.ID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, j.ID, resp.ID)
	assert.Equal(t, "COMPLETED", resp.Status)
	assert.Equal(t, "image/jpeg", resp.OutputMime)

	result, err := base64.StdEncoding.DecodeString(resp.ResultBase64)
	require.NoError(t, err)
	assert.Len(t, result, resp.OutputBytes)
	assert.True(t, bytes.HasPrefix(result, []byte{0xFF, 0xD8, 0xFF}))
}

func TestGetJob_Failed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	j, err := env.service.CreateJob(ctx, job.CreateJobInput{Operation: job.OpLossless})
	require.NoError(t, err)
	_, err = env.service.ProcessExistingJob(ctx, j.ID, []byte("garbage"))
	require.Error(t, err)

	rec := env.do(t, http.MethodGet, "/jobs/"+j.ID, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "FAILED", resp.Status)
	assert.Equal(t, "decode", resp.ErrorKind)
	assert.NotEmpty(t, resp.Error)
	assert.Empty(t, resp.ResultBase64)
	assert.Empty(t, resp.OutputMime)
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/jobs/nonexistent", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decodeError(t, rec).Code)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var empty ListJobsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&empty))
	assert.Empty(t, empty.Jobs)

	for _, op := range []job.Operation{job.OpLossy, job.OpGIF} {
		_, err := env.service.CreateJob(ctx, job.CreateJobInput{Operation: op})
		require.NoError(t, err)
	}

	rec = env.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListJobsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Jobs, 2)
	for _, j := range resp.Jobs {
		assert.Equal(t, "IN_QUEUE", j.Status)
		assert.Empty(t, j.ResultBase64)
	}
}

func TestDeleteJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	j, err := env.service.CreateJob(ctx, job.CreateJobInput{Operation: job.OpLossy})
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/jobs/"+j.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/jobs/"+j.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/jobs/"+j.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodGet, "/health", nil)
	rec := env.do(t, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "mediasqueeze_http_requests_total")
	assert.Contains(t, body, `path="GET /health"`)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/jobs/abc", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
