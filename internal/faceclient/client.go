package faceclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrOracleUnavailable is returned for any failure that is not one of the
// known "no face" signatures of the recognition service.
var ErrOracleUnavailable = errors.New("recognition service unavailable")

// ErrInvalidImage is returned when the payload is empty or not base64.
var ErrInvalidImage = errors.New("image must be a non-empty base64 payload")

const recognizePath = "/api/v1/recognition/recognize"

// CompreFace error codes that mean "nothing recognisable in the image".
const (
	codeNoFaceFound = 28 // 400
	codeSyncFailure = 41 // 500, raised by the core on unreadable images
)

// DetectionThreshold is the minimum face detection probability requested from the oracle.
const DetectionThreshold = 0.8

// Recognition is the normalized outcome of a recognize call.
// Matched is false when no face (or no candidate subject) was found.
type Recognition struct {
	Matched    bool
	SubjectID  string
	Similarity float64
	Raw        json.RawMessage
}

// Client calls the face recognition service.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL, apiKey string, timeout time.Duration, skip bool) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// NormalizeImage strips an optional data URL prefix and checks the payload is base64.
func NormalizeImage(image string) (string, error) {
	image = strings.TrimSpace(image)
	if strings.HasPrefix(image, "data:") {
		if i := strings.Index(image, ","); i >= 0 {
			image = image[i+1:]
		}
	}
	if image == "" {
		return "", ErrInvalidImage
	}
	if _, err := base64.StdEncoding.DecodeString(image); err != nil {
		if _, rawErr := base64.RawStdEncoding.DecodeString(image); rawErr != nil {
			return "", ErrInvalidImage
		}
	}
	return image, nil
}

// Recognize asks the oracle for the single best subject matching the face in image.
func (c *Client) Recognize(ctx context.Context, image string) (Recognition, error) {
	if c.Skip {
		return Recognition{
			Matched:    true,
			SubjectID:  "dev-subject",
			Similarity: 0.95,
			Raw:        json.RawMessage(`{"mock":true}`),
		}, nil
	}
	payload, err := NormalizeImage(image)
	if err != nil {
		return Recognition{}, err
	}

	body, _ := json.Marshal(map[string]string{"file": payload})
	q := url.Values{}
	q.Set("limit", "1")
	q.Set("prediction_count", "1")
	q.Set("det_prob_threshold", strconv.FormatFloat(DetectionThreshold, 'f', -1, 64))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+recognizePath+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return Recognition{}, errors.Wrapf(ErrOracleUnavailable, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Recognition{}, errors.Wrapf(ErrOracleUnavailable, "request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Recognition{}, errors.Wrapf(ErrOracleUnavailable, "read response: %v", err)
	}

	if resp.StatusCode >= 300 {
		if softFailure(resp.StatusCode, raw) {
			return Recognition{Raw: jsonOrNil(raw)}, nil
		}
		return Recognition{}, errors.Wrapf(ErrOracleUnavailable, "face service error %s: %s", resp.Status, string(raw))
	}

	var out struct {
		Result []struct {
			Subjects []struct {
				Subject    string  `json:"subject"`
				Similarity float64 `json:"similarity"`
			} `json:"subjects"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Recognition{}, errors.Wrapf(ErrOracleUnavailable, "failed to decode response: %v", err)
	}
	if len(out.Result) == 0 || len(out.Result[0].Subjects) == 0 {
		return Recognition{Raw: raw}, nil
	}

	best := out.Result[0].Subjects[0]
	return Recognition{
		Matched:    true,
		SubjectID:  best.Subject,
		Similarity: best.Similarity,
		Raw:        raw,
	}, nil
}

// Health checks if the face service is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrap(ErrOracleUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errors.Wrapf(ErrOracleUnavailable, "face service unhealthy: %s", resp.Status)
	}
	return nil
}

func softFailure(status int, body []byte) bool {
	var e struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return false
	}
	return (status == http.StatusBadRequest && e.Code == codeNoFaceFound) ||
		(status == http.StatusInternalServerError && e.Code == codeSyncFailure)
}

func jsonOrNil(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	return nil
}
