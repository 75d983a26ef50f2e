package logrelay

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// DefaultTail means the whole log
const DefaultTail = -1

var ErrInvalidOptions = errors.New("invalid log options")

// Options describes one log request. Params carries every query
// parameter of the inbound request and is forwarded to the worker as is.
type Options struct {
	Follow bool
	Tail   int
	Since  string
	Params url.Values
}

// ParseOptions validates the known keys of an inbound log query
func ParseOptions(values url.Values) (Options, error) {
	opts := Options{
		Tail:   DefaultTail,
		Params: url.Values{},
	}
	for k, vs := range values {
		opts.Params[k] = append([]string(nil), vs...)
	}

	if v := values.Get("follow"); v != "" {
		follow, err := strconv.ParseBool(v)
		if err != nil {
			return Options{}, fmt.Errorf("%w: follow must be a boolean, got %q", ErrInvalidOptions, v)
		}
		opts.Follow = follow
	}

	if v := values.Get("tail"); v != "" {
		tail, err := strconv.Atoi(v)
		if err != nil || tail < DefaultTail {
			return Options{}, fmt.Errorf("%w: tail must be an integer >= -1, got %q", ErrInvalidOptions, v)
		}
		opts.Tail = tail
	}

	// since is interpreted by the worker
	opts.Since = values.Get("since")

	return opts, nil
}

// Encode returns the query string sent to the worker
func (o Options) Encode() string {
	if o.Params != nil {
		return o.Params.Encode()
	}

	v := url.Values{}
	if o.Follow {
		v.Set("follow", "true")
	}
	if o.Tail != DefaultTail {
		v.Set("tail", strconv.Itoa(o.Tail))
	}
	if o.Since != "" {
		v.Set("since", o.Since)
	}
	return v.Encode()
}
