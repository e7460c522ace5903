package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxBodySize is the largest request body accepted for /init and /run.
const MaxBodySize = 48 << 20

var (
	errBodyTooLarge = errors.New("request body too large")
	errInvalidBody  = errors.New("invalid JSON body")
)

// decodeBody parses the request body as a JSON object. An empty body
// decodes to an empty object.
func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return map[string]any{}, nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, classifyDecodeError(err)
	}

	body, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: body is not an object", errInvalidBody)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, fmt.Errorf("%w: trailing data after object", errInvalidBody)
		}
		return nil, classifyDecodeError(err)
	}

	return body, nil
}

func classifyDecodeError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, maxErr.Limit)
	}
	return fmt.Errorf("%w: %w", errInvalidBody, err)
}
