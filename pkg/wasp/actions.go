package wasp

import (
	"context"
	"errors"
	"net/http"

	"wasp/internal/codec"
	waspErrors "wasp/internal/errors"
	"wasp/internal/transport"
)

// RunAction triggers an action registered in the server's services
// collection and returns its decoded result. Actions are not retried; an
// unknown action or a non-zero exit fails with *ActionFailedError.
func (c *Client) RunAction(ctx context.Context, action string, params Record) (any, error) {
	fields, parts := codec.FlattenForm(params)
	form := make([]transport.FormField, len(fields))
	for i, field := range fields {
		form[i] = transport.FormField{Name: field.Name, Value: field.Value}
	}

	resp, err := c.dispatcher.Do(ctx, transport.Request{
		Method:    http.MethodPost,
		Path:      []string{"actions", "services", action},
		Body:      transport.MultipartBody(form, fileParts(parts)),
		Direction: waspErrors.DirectionUpload,
		Attempts:  1,
		Classify:  transport.ClientErrors(),
	})
	if err != nil {
		return nil, actionError(action, err)
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp)
		return nil, &ActionFailedError{Action: action, StatusCode: resp.StatusCode}
	}
	return c.decode(resp)
}

func actionError(action string, err error) error {
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return err
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return &ActionFailedError{Action: action, StatusCode: statusErr.StatusCode, Body: statusErr.Body, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ActionFailedError{Action: action, Err: err}
}
