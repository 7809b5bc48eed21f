package job

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/gif"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/mediasqueeze/internal/mediaerr"
	"github.com/maauso/mediasqueeze/internal/storage"
)

type mockCodec struct {
	mock.Mock
}

func (m *mockCodec) ReencodeLossy(data []byte) ([]byte, error) {
	args := m.Called(data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockCodec) ReencodeLossless(data []byte) ([]byte, error) {
	args := m.Called(data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

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

type mockUpscaler struct {
	mock.Mock
}

func (m *mockUpscaler) Upscale(ctx context.Context, image []byte, apiKey string) ([]byte, error) {
	args := m.Called(ctx, image, apiKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type observation struct {
	op      Operation
	err     error
	in, out int
}

type recordingObserver struct {
	mu  sync.Mutex
	obs []observation
}

func (r *recordingObserver) ObserveOperation(op Operation, err error, _ time.Duration, in, out int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, observation{op: op, err: err, in: in, out: out})
}

// s3Store is a LocalStorage that accepts uploads and remembers them.
type s3Store struct {
	*storage.LocalStorage
	mu      sync.Mutex
	uploads map[string][]byte
	mimes   map[string]string
}

func (s *s3Store) UploadToS3(_ context.Context, key, contentType string, data io.Reader) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[key] = b
	s.mimes[key] = contentType
	return "https://bucket.example/" + key, nil
}

// hookedRepository calls afterFind once, right after the first lookup.
type hookedRepository struct {
	Repository
	once      sync.Once
	afterFind func()
}

func (r *hookedRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	j, err := r.Repository.FindByID(ctx, id)
	r.once.Do(r.afterFind)
	return j, err
}

type fixture struct {
	svc        *ProcessMediaService
	repo       *MemoryRepository
	codec      *mockCodec
	transcoder *mockTranscoder
	upscaler   *mockUpscaler
	observer   *recordingObserver
	store      *storage.LocalStorage
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	store, err := storage.NewLocalStorage(filepath.Join(t.TempDir(), "results"))
	require.NoError(t, err)
	return newFixtureWithStore(t, store, store, opts...)
}

func newFixtureWithStore(t *testing.T, local *storage.LocalStorage, store storage.Storage, opts ...ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		repo:       NewMemoryRepository(),
		codec:      &mockCodec{},
		transcoder: &mockTranscoder{},
		upscaler:   &mockUpscaler{},
		observer:   &recordingObserver{},
		store:      local,
	}
	opts = append([]ServiceOption{
		WithUpscaler(f.upscaler, "api-key"),
		WithObserver(f.observer),
		WithLogger(discardLogger()),
	}, opts...)
	f.svc = NewProcessMediaService(f.repo, f.codec, f.transcoder, store, opts...)
	return f
}

func TestRun_Dispatch(t *testing.T) {
	input := []byte("input")
	output := []byte("output")

	tests := []struct {
		op    Operation
		setup func(f *fixture)
	}{
		{OpLossy, func(f *fixture) { f.codec.On("ReencodeLossy", input).Return(output, nil) }},
		{OpLossless, func(f *fixture) { f.codec.On("ReencodeLossless", input).Return(output, nil) }},
		{OpTranscode, func(f *fixture) { f.transcoder.On("Transcode", mock.Anything, input).Return(output, nil) }},
		{OpGIF, func(f *fixture) { f.transcoder.On("ConvertToGIF", mock.Anything, input).Return(output, nil) }},
		{OpUpscale, func(f *fixture) { f.upscaler.On("Upscale", mock.Anything, input, "api-key").Return(output, nil) }},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			out, err := f.svc.Run(context.Background(), tt.op, input)
			require.NoError(t, err)
			assert.Equal(t, output, out)

			f.codec.AssertExpectations(t)
			f.transcoder.AssertExpectations(t)
			f.upscaler.AssertExpectations(t)

			require.Len(t, f.observer.obs, 1)
			assert.Equal(t, observation{op: tt.op, in: len(input), out: len(output)}, f.observer.obs[0])
		})
	}
}

func TestRun_Errors(t *testing.T) {
	t.Run("invalid operation", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Run(context.Background(), Operation("resize"), nil)
		assert.ErrorIs(t, err, ErrInvalidOperation)
		assert.Empty(t, f.observer.obs)
	})

	t.Run("upscale without upscaler", func(t *testing.T) {
		f := newFixture(t, WithUpscaler(nil, ""))
		assert.False(t, f.svc.CanUpscale())
		_, err := f.svc.Run(context.Background(), OpUpscale, []byte("x"))
		assert.ErrorIs(t, err, ErrUpscaleUnavailable)
	})

	t.Run("media error is passed through and observed", func(t *testing.T) {
		f := newFixture(t)
		decodeErr := mediaerr.Decode("reencode lossy", io.ErrUnexpectedEOF)
		f.codec.On("ReencodeLossy", mock.Anything).Return(nil, decodeErr)

		_, err := f.svc.Run(context.Background(), OpLossy, []byte("x"))
		assert.ErrorIs(t, err, mediaerr.ErrDecode)
		require.Len(t, f.observer.obs, 1)
		assert.Equal(t, decodeErr, f.observer.obs[0].err)
	})
}

func TestCreateJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.svc.CreateJob(ctx, CreateJobInput{Operation: OpGIF, InputBytes: 10, PushToS3: true})
	require.NoError(t, err)
	assert.Equal(t, StatusInQueue, j.Status)

	saved, err := f.svc.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, OpGIF, saved.Operation)
	assert.Equal(t, 10, saved.InputBytes)
	assert.True(t, saved.PushToS3)

	_, err = f.svc.CreateJob(ctx, CreateJobInput{Operation: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestProcessExistingJob_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.codec.On("ReencodeLossless", []byte("png-in")).Return([]byte("png-out"), nil)

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Operation: OpLossless, InputBytes: 6})
	require.NoError(t, err)

	done, err := f.svc.ProcessExistingJob(ctx, created.ID, []byte("png-in"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 7, done.OutputBytes)
	assert.True(t, strings.HasSuffix(done.OutputPath, ".png"))
	assert.Equal(t, f.store.TempDir(), filepath.Dir(done.OutputPath))

	saved, err := f.svc.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, saved.Status)

	data, err := f.svc.ReadResult(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, "png-out", string(data))

	jobs, err := f.svc.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestProcessExistingJob_UpscaleTypedByContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, image.NewPaletted(image.Rect(0, 0, 2, 2), color.Palette{color.Black}), nil))
	out := buf.Bytes()
	f.upscaler.On("Upscale", mock.Anything, []byte("img"), "api-key").Return(out, nil)

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Operation: OpUpscale})
	require.NoError(t, err)
	assert.Equal(t, "image/png", created.OutputMime)

	done, err := f.svc.ProcessExistingJob(ctx, created.ID, []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "image/gif", done.OutputMime)
	assert.True(t, strings.HasSuffix(done.OutputPath, ".gif"))

	saved, err := f.svc.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/gif", saved.OutputMime)
}

func TestProcessExistingJob_Failure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transcoder.On("Transcode", mock.Anything, mock.Anything).
		Return(nil, mediaerr.Subprocess("transcode", io.ErrClosedPipe))

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Operation: OpTranscode})
	require.NoError(t, err)

	done, err := f.svc.ProcessExistingJob(ctx, created.ID, []byte("video"))
	assert.ErrorIs(t, err, mediaerr.ErrSubprocess)
	require.NotNil(t, done)
	assert.Equal(t, StatusFailed, done.Status)

	saved, err := f.svc.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, saved.Status)
	assert.Equal(t, "subprocess", saved.ErrorKind)
	assert.Contains(t, saved.Error, "transcode")

	_, err = f.svc.ReadResult(ctx, saved)
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestProcessExistingJob_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ProcessExistingJob(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestProcessExistingJob_PushToS3(t *testing.T) {
	local, err := storage.NewLocalStorage(filepath.Join(t.TempDir(), "results"))
	require.NoError(t, err)
	store := &s3Store{LocalStorage: local, uploads: map[string][]byte{}, mimes: map[string]string{}}
	f := newFixtureWithStore(t, local, store)
	ctx := context.Background()

	f.codec.On("ReencodeLossy", mock.Anything).Return([]byte("jpeg-out"), nil)
	created, err := f.svc.CreateJob(ctx, CreateJobInput{Operation: OpLossy, PushToS3: true})
	require.NoError(t, err)

	done, err := f.svc.ProcessExistingJob(ctx, created.ID, []byte("in"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Empty(t, done.OutputPath)

	key := storage.ContentKey("results", []byte("jpeg-out"), ".jpg")
	assert.Equal(t, "https://bucket.example/"+key, done.ResultURL)
	assert.Equal(t, []byte("jpeg-out"), store.uploads[key])
	assert.Equal(t, "image/jpeg", store.mimes[key])
}

func TestProcessExistingJob_PushToS3NotConfigured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.codec.On("ReencodeLossy", mock.Anything).Return([]byte("jpeg-out"), nil)

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Operation: OpLossy, PushToS3: true})
	require.NoError(t, err)

	done, err := f.svc.ProcessExistingJob(ctx, created.ID, []byte("in"))
	assert.ErrorIs(t, err, storage.ErrS3NotConfigured)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "io", done.ErrorKind)
}

func TestDeleteJob_RemovesResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transcoder.On("ConvertToGIF", mock.Anything, mock.Anything).Return([]byte("GIF89a"), nil)

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Operation: OpGIF})
	require.NoError(t, err)
	done, err := f.svc.ProcessExistingJob(ctx, created.ID, []byte("clip"))
	require.NoError(t, err)
	require.FileExists(t, done.OutputPath)

	require.NoError(t, f.svc.DeleteJob(ctx, created.ID))
	assert.NoFileExists(t, done.OutputPath)

	_, err = f.svc.GetJob(ctx, created.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, f.svc.DeleteJob(ctx, created.ID), ErrJobNotFound)
}

func TestDeleteJob_CancelsRunningJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started := make(chan struct{})
	f.transcoder.On("Transcode", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, mediaerr.Subprocess("transcode", context.Canceled))

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Operation: OpTranscode})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := f.svc.ProcessExistingJob(ctx, created.ID, []byte("video"))
		result <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("transcode never started")
	}
	require.NoError(t, f.svc.DeleteJob(ctx, created.ID))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrJobNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("running job was not cancelled")
	}

	_, err = f.svc.GetJob(ctx, created.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestProcessExistingJob_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.transcoder.On("ConvertToGIF", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, mediaerr.Subprocess("convert to gif", context.Canceled))

	created, err := f.svc.CreateJob(context.Background(), CreateJobInput{Operation: OpGIF})
	require.NoError(t, err)

	done, err := f.svc.ProcessExistingJob(ctx, created.ID, []byte("clip"))
	require.Error(t, err)
	require.NotNil(t, done)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Empty(t, done.ErrorKind)

	stored, err := f.svc.GetJob(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
}

func TestProcessExistingJob_DeletedWhileStarting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateJob(ctx, CreateJobInput{Operation: OpTranscode})
	require.NoError(t, err)

	var (
		svc       *ProcessMediaService
		deleteErr error
		deleted   = make(chan struct{})
	)
	repo := &hookedRepository{Repository: f.repo}
	repo.afterFind = func() {
		go func() {
			deleteErr = svc.DeleteJob(ctx, created.ID)
			close(deleted)
		}()
	}
	svc = NewProcessMediaService(repo, f.codec, f.transcoder, f.store, WithLogger(discardLogger()))

	f.transcoder.On("Transcode", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			select {
			case <-deleted:
			case <-time.After(5 * time.Second):
				assert.Fail(t, "delete never ran")
			}
		}).
		Return([]byte("encoded"), nil)

	_, err = svc.ProcessExistingJob(ctx, created.ID, []byte("video"))
	assert.ErrorIs(t, err, ErrJobNotFound)

	<-deleted
	require.NoError(t, deleteErr)

	_, err = svc.GetJob(ctx, created.ID)
	assert.ErrorIs(t, err, ErrJobNotFound, "deleted job must stay deleted")

	entries, err := os.ReadDir(f.store.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "no result file may outlive the job")
}

func TestReadResult_MissingFile(t *testing.T) {
	f := newFixture(t)
	j := NewWithID("x", OpLossy)
	j.OutputPath = filepath.Join(t.TempDir(), "gone.jpg")

	_, err := f.svc.ReadResult(context.Background(), j)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoResult)
}
