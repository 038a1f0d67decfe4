package delivery

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"
)

type sendPayload struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

// HTTPClient posts greetings to the message service endpoint.
type HTTPClient struct {
	http *resty.Client
	url  string
}

func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &HTTPClient{
		http: client,
		url:  url,
	}
}

func (c *HTTPClient) Send(ctx context.Context, req Request) error {
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(sendPayload{
			Email:   req.Email,
			Message: req.Message,
		}).
		Post(c.url)

	if err != nil {
		return fmt.Errorf("delivery request: %w", err)
	}

	if !res.IsSuccess() {
		return &StatusError{Code: res.StatusCode()}
	}

	return nil
}

func (c *HTTPClient) Close() error {
	return c.http.Close()
}
