package handler

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlift/pixlift/internal/storage"
)

func newUploadHandler(t *testing.T) *UploadHandler {
	t.Helper()
	files, err := storage.NewLocalStorage(storage.LocalConfig{
		BasePath: t.TempDir(),
		BaseURL:  "http://localhost:8080/files",
	}, discardLogger())
	require.NoError(t, err)
	return NewUploadHandler(files, discardLogger())
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return &buf, w.FormDataContentType()
}

func TestUploadRequiresAuth(t *testing.T) {
	h := newUploadHandler(t)

	body, contentType := multipartBody(t, "image", "photo.png", "image/png", pngBytes(t))
	req := httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadStoresImage(t *testing.T) {
	h := newUploadHandler(t)
	user := testUser()

	data := pngBytes(t)
	body, contentType := multipartBody(t, "image", "photo.png", "image/png", data)
	req := authenticated(httptest.NewRequest("POST", "/api/upload", body), user)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Key         string `json:"key"`
		URL         string `json:"url"`
		Size        int64  `json:"size"`
		ContentType string `json:"content_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.Key, "input/"+user.ID.String()+"/"))
	assert.True(t, strings.HasSuffix(resp.Key, ".png"))
	assert.Contains(t, resp.URL, "/files/")
	assert.Equal(t, int64(len(data)), resp.Size)
	assert.Equal(t, "image/png", resp.ContentType)
}

func TestUploadSniffsTypeWithoutHeader(t *testing.T) {
	h := newUploadHandler(t)

	// No Content-Type part header and no useful extension.
	body, contentType := multipartBody(t, "image", "photo", "", pngBytes(t))
	req := authenticated(httptest.NewRequest("POST", "/api/upload", body), testUser())
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestUploadRejectsNonImage(t *testing.T) {
	h := newUploadHandler(t)

	body, contentType := multipartBody(t, "image", "payload.html", "text/html", []byte("<html><script>x</script></html>"))
	req := authenticated(httptest.NewRequest("POST", "/api/upload", body), testUser())
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadMissingField(t *testing.T) {
	h := newUploadHandler(t)

	body, contentType := multipartBody(t, "file", "photo.png", "image/png", pngBytes(t))
	req := authenticated(httptest.NewRequest("POST", "/api/upload", body), testUser())
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadMalformedBody(t *testing.T) {
	h := newUploadHandler(t)

	// Claims multipart but the body is garbage. This is a client error, not
	// an oversized upload.
	req := authenticated(httptest.NewRequest("POST", "/api/upload", strings.NewReader("not a multipart body")), testUser())
	req.Header.Set("Content-Type", "multipart/form-data; boundary=deadbeef")
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestUploadTooLarge(t *testing.T) {
	h := newUploadHandler(t)

	oversized := bytes.Repeat([]byte{0xff}, MaxUploadBytes+1)
	body, contentType := multipartBody(t, "image", "huge.jpg", "image/jpeg", oversized)
	req := authenticated(httptest.NewRequest("POST", "/api/upload", body), testUser())
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
}
