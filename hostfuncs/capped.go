package hostfuncs

import (
	"errors"
	"fmt"
	"io"
)

// ErrTooLarge reports a collaborator body over the configured cap.
var ErrTooLarge = errors.New("body exceeds size cap")

// ReadCapped reads r to EOF and returns its contents. Bodies longer than
// limit fail with ErrTooLarge once the rest of r has been drained, so a
// keep-alive connection behind r stays reusable.
func ReadCapped(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		_, _ = io.Copy(io.Discard, r)
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return body, nil
}
