package detection

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDetectorDetect(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodPost, "http://detector:8000/detect",
		func(req *http.Request) (*http.Response, error) {
			if err := req.ParseMultipartForm(1 << 20); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
			}
			f, hdr, err := req.FormFile("file")
			if err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, "missing file"), nil
			}
			defer f.Close()
			data, _ := io.ReadAll(f)
			if string(data) != "jpeg-bytes" || hdr.Header.Get("Content-Type") != "image/jpeg" {
				return httpmock.NewStringResponse(http.StatusBadRequest, "bad file"), nil
			}
			if req.FormValue("conf_threshold") != "0.40" {
				return httpmock.NewStringResponse(http.StatusBadRequest, "bad threshold"), nil
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]interface{}{
				"detections": []map[string]interface{}{
					{"class": "person", "bbox": []float64{10, 20, 30, 40}, "score": 0.91},
				},
				"inference_time_ms": 12.5,
			})
		})

	d := NewHTTPDetector(HTTPDetectorConfig{Endpoint: "http://detector:8000/", ConfThreshold: 0.4}, nil)
	res, err := d.Detect(context.Background(), []byte("jpeg-bytes"))
	require.NoError(t, err)
	require.Len(t, res.Objects, 1)
	assert.Equal(t, Object{Class: "person", BBox: []float64{10, 20, 30, 40}, Score: 0.91}, res.Objects[0])
	assert.Equal(t, 12.5, res.InferenceTimeMs)
}

func TestHTTPDetectorErrors(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodPost, "http://detector/detect",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "model warming up"))

	d := NewHTTPDetector(HTTPDetectorConfig{Endpoint: "http://detector"}, nil)
	_, err := d.Detect(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model warming up")
}

func TestHTTPDetectorHealthCached(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodGet, "http://detector/health",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"ok"}`))

	d := NewHTTPDetector(HTTPDetectorConfig{Endpoint: "http://detector"}, nil)
	assert.True(t, d.Healthy(context.Background()))
	assert.True(t, d.Healthy(context.Background()))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestHTTPDetectorUnhealthy(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodGet, "http://detector/health",
		httpmock.NewStringResponder(http.StatusInternalServerError, ""))

	d := NewHTTPDetector(HTTPDetectorConfig{Endpoint: "http://detector"}, nil)
	assert.False(t, d.Healthy(context.Background()))
	assert.False(t, d.Healthy(context.Background()))
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}
