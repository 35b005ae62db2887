package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"imageshelf/internal/server/config"
	"imageshelf/internal/server/service"
	"imageshelf/internal/server/storage"
	"imageshelf/internal/testutil"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	e   *echo.Echo
	dir string
}

func newTestServer(t *testing.T, tweak ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.StoragePath = t.TempDir()
	for _, fn := range tweak {
		fn(cfg)
	}

	store := storage.NewFileSystemStore(cfg.StoragePath)
	require.NoError(t, store.EnsureDir())

	svc := service.NewImageService(store, cfg, service.RealClock{})
	return &testServer{e: SetupRouter(NewHandler(svc), cfg), dir: cfg.StoragePath}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) upload(t *testing.T, field, filename, mimeType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(uploadRequest(t, field, filename, mimeType, data))
}

func uploadRequest(t *testing.T, field, filename, mimeType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/images", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func (s *testServer) list(t *testing.T) []string {
	t.Helper()
	rec := s.do(httptest.NewRequest(http.MethodGet, "/images", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ImagesList []string `json:"imagesList"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.ImagesList, "imagesList must be an array, not null")
	return resp.ImagesList
}

func decodeImageResponse(t *testing.T, rec *httptest.ResponseRecorder) imageResponse {
	t.Helper()
	var resp imageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "body: %s", rec.Body.String())
	return resp
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestHandleRoot(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, msgRoot, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestHandleHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := newTestServer(t)

		rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"healthy","storage":"ok"}`, rec.Body.String())
	})

	t.Run("degraded when directory is gone", func(t *testing.T) {
		s := newTestServer(t)
		require.NoError(t, os.RemoveAll(s.dir))

		rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"degraded","storage":"unavailable"}`, rec.Body.String())
	})
}

func TestUploadListClearScenario(t *testing.T) {
	s := newTestServer(t)

	rec := s.upload(t, "image", "photo.jpg", "image/jpeg", testutil.JPEGBytes(t, 1920, 1080))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeImageResponse(t, rec)
	assert.Equal(t, msgUploaded, resp.Message)
	assert.Regexp(t, regexp.MustCompile(`^\d+_photo\.jpg$`), resp.FileName)
	assert.Len(t, rec.Header().Get("X-Image-Digest"), 64)

	assert.Equal(t, []string{resp.FileName}, s.list(t))

	// Stored files are served by name.
	static := s.do(httptest.NewRequest(http.MethodGet, "/"+resp.FileName, nil))
	assert.Equal(t, http.StatusOK, static.Code)

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/images", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, msgCleared, rec.Body.String())

	assert.Empty(t, s.list(t))

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/images", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, msgAlreadyEmpty, rec.Body.String())
}

func TestHandleUpload_Rejections(t *testing.T) {
	t.Run("wrong dimensions", func(t *testing.T) {
		s := newTestServer(t)

		rec := s.upload(t, "image", "name.png", "image/png", testutil.PNGBytes(t, 100, 100))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		resp := decodeImageResponse(t, rec)
		assert.Equal(t, "The dimensions of the images should be  1920 * 1080", resp.Message)
		assert.Regexp(t, regexp.MustCompile(`^\d+_name\.png$`), resp.FileName)

		testutil.AssertMissing(t, filepath.Join(s.dir, resp.FileName))
		assert.Empty(t, s.list(t))
	})

	t.Run("text file with image extension and text/plain type", func(t *testing.T) {
		s := newTestServer(t)

		rec := s.upload(t, "image", "notes.png", "text/plain", []byte("just some text"))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		resp := decodeImageResponse(t, rec)
		assert.Equal(t, msgForbiddenType, resp.Message)
		assert.Empty(t, resp.FileName)
		assert.Empty(t, dirEntries(t, s.dir))
	})

	t.Run("declared image type but unreadable content", func(t *testing.T) {
		s := newTestServer(t)

		rec := s.upload(t, "image", "broken.jpg", "image/jpeg", []byte("just some text"))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		resp := decodeImageResponse(t, rec)
		assert.Equal(t, msgUnreadable, resp.Message)
		assert.Regexp(t, regexp.MustCompile(`^\d+_broken\.jpg$`), resp.FileName)
		assert.Empty(t, dirEntries(t, s.dir))
	})

	t.Run("missing image field", func(t *testing.T) {
		s := newTestServer(t)

		rec := s.upload(t, "file", "photo.jpg", "image/jpeg", testutil.JPEGBytes(t, 1920, 1080))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, dirEntries(t, s.dir))
	})

	t.Run("file over size limit", func(t *testing.T) {
		s := newTestServer(t, func(cfg *config.Config) { cfg.MaxFileSize = 1024 })

		rec := s.upload(t, "image", "photo.png", "image/png", testutil.PNGBytes(t, 1920, 1080))

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Empty(t, dirEntries(t, s.dir))
	})

	t.Run("chunked body over size limit", func(t *testing.T) {
		s := newTestServer(t, func(cfg *config.Config) { cfg.MaxFileSize = 1024 })

		req := uploadRequest(t, "image", "big.png", "image/png", bytes.Repeat([]byte{0xAB}, 2<<20))
		req.ContentLength = -1
		rec := s.do(req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
		assert.Equal(t, msgTooLarge, decodeImageResponse(t, rec).Message)
		assert.Empty(t, dirEntries(t, s.dir))
	})
}

func TestHandleUpload_LongMultibyteName(t *testing.T) {
	s := newTestServer(t)

	rec := s.upload(t, "image", strings.Repeat("é", 200)+".png", "image/png", testutil.PNGBytes(t, 1920, 1080))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	name := decodeImageResponse(t, rec).FileName
	assert.True(t, utf8.ValidString(name))
	assert.FileExists(t, filepath.Join(s.dir, name))
	assert.Equal(t, []string{name}, s.list(t))

	static := s.do(httptest.NewRequest(http.MethodGet, "/"+url.PathEscape(name), nil))
	assert.Equal(t, http.StatusOK, static.Code)
}

func TestHandleUpload_RateLimited(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 1
	})

	first := s.upload(t, "image", "a.png", "image/png", testutil.PNGBytes(t, 1920, 1080))
	assert.Equal(t, http.StatusCreated, first.Code)

	second := s.upload(t, "image", "b.png", "image/png", testutil.PNGBytes(t, 1920, 1080))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// Listing is not rate limited.
	assert.Len(t, s.list(t), 1)
}

func TestHandleList_Errors(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, os.RemoveAll(s.dir))

	rec := s.do(httptest.NewRequest(http.MethodGet, "/images", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeImageResponse(t, rec)
	assert.Equal(t, "failed to list images", resp.Message)
	assert.NotContains(t, rec.Body.String(), s.dir)
}

func TestHandleClear_Errors(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, os.RemoveAll(s.dir))

	rec := s.do(httptest.NewRequest(http.MethodDelete, "/images", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), s.dir)
}

// failingClearStore deletes part of the directory and then reports an I/O error.
type failingClearStore struct {
	*storage.FileSystemStore
}

func (s failingClearStore) Clear(ctx context.Context) (int, error) {
	return 1, fmt.Errorf("failed to delete file 2_b.png: %w", os.ErrPermission)
}

func TestHandleClear_PartialFailure(t *testing.T) {
	cfg := config.Default()
	cfg.StoragePath = t.TempDir()
	store := failingClearStore{storage.NewFileSystemStore(cfg.StoragePath)}
	svc := service.NewImageService(store, cfg, service.RealClock{})
	e := SetupRouter(NewHandler(svc), cfg)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/images", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "2_b.png")
}

func TestListOrder(t *testing.T) {
	s := newTestServer(t)

	var uploaded []string
	for _, name := range []string{"z.png", "m.png", "a.png"} {
		rec := s.upload(t, "image", name, "image/png", testutil.PNGBytes(t, 1920, 1080))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		uploaded = append(uploaded, decodeImageResponse(t, rec).FileName)
		// Change times can be jiffy-granular; keep uploads apart.
		time.Sleep(15 * time.Millisecond)
	}

	assert.Equal(t, uploaded, s.list(t))
}
