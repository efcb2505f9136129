package assetstore

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collicam/internal/overlay"
)

const uploadEndpoint = "https://api.cloudinary.com/v1_1/demo/video/upload"

func TestUpload(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodPost, uploadEndpoint,
		func(req *http.Request) (*http.Response, error) {
			if err := req.ParseMultipartForm(1 << 20); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
			}
			f, _, err := req.FormFile("file")
			if err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, "no file"), nil
			}
			defer f.Close()
			data, _ := io.ReadAll(f)
			if string(data) != "webm-bytes" || req.FormValue("upload_preset") != "preset1" {
				return httpmock.NewStringResponse(http.StatusBadRequest, "bad form"), nil
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
				"public_id":  "rec1",
				"secure_url": "https://cdn.example/rec1.webm",
			})
		})

	c := NewClient(Config{CloudName: "demo", UploadPreset: "preset1"}, nil)
	url, err := c.Upload(context.Background(), "rec1.webm", []byte("webm-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/rec1.webm", url)
}

func TestUploadAPIError(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodPost, uploadEndpoint,
		httpmock.NewJsonResponderOrPanic(http.StatusBadRequest, map[string]interface{}{
			"error": map[string]string{"message": "Upload preset not found"},
		}))

	c := NewClient(Config{CloudName: "demo", UploadPreset: "missing"}, nil)
	_, err := c.Upload(context.Background(), "rec.webm", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Upload preset not found")
}

func TestUploadNotConfigured(t *testing.T) {
	c := NewClient(Config{}, nil)
	_, err := c.Upload(context.Background(), "rec.webm", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = c.UploadRemote(context.Background(), "https://x", "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestUploadRemoteSigned(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	transformation := Transformation(OverlaysFromPlan(overlay.FromImages([]string{"https://img/a.png"})))
	var form map[string]string

	httpmock.RegisterResponder(http.MethodPost, uploadEndpoint,
		func(req *http.Request) (*http.Response, error) {
			if err := req.ParseMultipartForm(1 << 20); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
			}
			form = map[string]string{}
			for k, v := range req.MultipartForm.Value {
				form[k] = v[0]
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
				"secure_url": "https://cdn.example/source.webm",
				"eager":      []map[string]string{{"secure_url": "https://cdn.example/processed.webm"}},
			})
		})

	c := NewClient(Config{CloudName: "demo", APIKey: "key", APISecret: "secret"}, nil)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	res, err := c.UploadRemote(context.Background(), "https://cdn.example/source.webm", transformation)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/processed.webm", res.Eager[0].SecureURL)

	assert.Equal(t, "https://cdn.example/source.webm", form["file"])
	assert.Equal(t, "key", form["api_key"])
	assert.Equal(t, "1700000000", form["timestamp"])
	assert.Equal(t, transformation, form["eager"])
	assert.Equal(t, Sign(map[string]string{"eager": transformation, "timestamp": "1700000000"}, "secret"), form["signature"])
}

func TestUploadRemoteWithoutEager(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodPost, uploadEndpoint,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{"secure_url": "https://cdn.example/s.webm"}))

	c := NewClient(Config{CloudName: "demo", APIKey: "key", APISecret: "secret"}, nil)
	_, err := c.UploadRemote(context.Background(), "https://cdn.example/s.webm", "l_fetch:x")
	assert.ErrorIs(t, err, ErrNoEagerResult)
}

func TestSign(t *testing.T) {
	// sha1("eager=w_400&public_id=x&timestamp=1315060510abcd")
	got := Sign(map[string]string{
		"timestamp": "1315060510",
		"public_id": "x",
		"eager":     "w_400",
		"empty":     "",
	}, "abcd")
	assert.Len(t, got, 40)
	assert.Equal(t, got, Sign(map[string]string{"eager": "w_400", "public_id": "x", "timestamp": "1315060510"}, "abcd"))
	assert.NotEqual(t, got, Sign(map[string]string{"eager": "w_400", "public_id": "x", "timestamp": "1315060510"}, "other"))
}

func TestTransformation(t *testing.T) {
	plan := overlay.Plan{
		{ImageRef: "https://img/a.png", StartOffsetSeconds: 10, EndOffsetSeconds: 13},
		{ImageRef: "https://img/b.png", StartOffsetSeconds: 20, EndOffsetSeconds: 23},
	}
	got := Transformation(OverlaysFromPlan(plan))
	assert.Equal(t,
		"l_fetch:aHR0cHM6Ly9pbWcvYS5wbmc=,w_400,c_scale,g_south_west,x_10,y_10,so_10,eo_13/"+
			"l_fetch:aHR0cHM6Ly9pbWcvYi5wbmc=,w_400,c_scale,g_south_west,x_10,y_10,so_20,eo_23",
		got)
}
