package pihole

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haukened/rr-rulesync/internal/rulesync/common/log"
	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/synchronizer"
)

const (
	errRequestFailed   = "pihole: list=%s %s=%s: %w"
	errStatus          = "%w: list=%s %s returned %d"
	errUnknownAction   = "pihole: cannot apply action %s"
	listBlack          = "black"
	listWhite          = "white"
	opAdd              = "add"
	opSub              = "sub"
	defaultTimeout     = 10 * time.Second
	defaultBackendName = "pihole"
)

// ErrUnexpectedStatus is wrapped by every non-2xx response.
var ErrUnexpectedStatus = errors.New("pihole: unexpected status")

var _ synchronizer.Adapter = (*Client)(nil)

// Client enforces decisions through the Pi-hole list API, where every call
// toggles one domain on one list. Add and sub are both idempotent upstream.
// A domain is only taken off a list the previous decision put it on, so
// entries an operator added by hand survive a retract.
type Client struct {
	name    string
	apiURL  string
	token   string
	http    *http.Client
	logger  log.Logger
	enabled bool
}

type Options struct {
	Name    string
	URL     string
	Token   string
	Timeout time.Duration
	Logger  log.Logger
	// HTTPClient may be injected for testing.
	HTTPClient *http.Client
}

// New builds a client. Without both a URL and a token the client is soft
// disabled: Apply and Retract succeed without doing any I/O.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Name == "" {
		opts.Name = defaultBackendName
	}
	c := &Client{
		name:    opts.Name,
		apiURL:  strings.TrimSpace(opts.URL),
		token:   opts.Token,
		http:    opts.HTTPClient,
		logger:  log.WithFields(opts.Logger, map[string]any{"backend": opts.Name}),
		enabled: strings.TrimSpace(opts.URL) != "" && opts.Token != "",
	}
	if !c.enabled {
		c.logger.Warn(nil, "Pi-hole URL or token missing, adapter disabled")
	}
	return c
}

func (c *Client) Name() string { return c.name }

// Enabled reports whether the client talks to a backend at all.
func (c *Client) Enabled() bool { return c.enabled }

// Apply puts the domain on the list want names and takes it off the list
// prev put it on. Redirects have no Pi-hole list equivalent, so they undo
// prev and leave the domain on neither.
func (c *Client) Apply(ctx context.Context, want, prev domain.EffectiveDecision) error {
	var to string
	switch want.Action {
	case domain.ActionBlock:
		to = listBlack
	case domain.ActionAllow:
		to = listWhite
	case domain.ActionRedirect:
		c.logger.Debug(map[string]any{"domain": want.Domain}, "Redirect not supported, clearing lists")
		return c.undo(ctx, want.Domain, prev.Action)
	default:
		return fmt.Errorf(errUnknownAction, want.Action)
	}
	if err := c.call(ctx, to, opAdd, want.Domain); err != nil {
		return err
	}
	if listFor(prev.Action) == to {
		return nil
	}
	return c.undo(ctx, want.Domain, prev.Action)
}

func (c *Client) Retract(ctx context.Context, prev domain.EffectiveDecision) error {
	return c.undo(ctx, prev.Domain, prev.Action)
}

func (c *Client) undo(ctx context.Context, name string, action domain.Action) error {
	list := listFor(action)
	if list == "" {
		return nil
	}
	return c.call(ctx, list, opSub, name)
}

func listFor(a domain.Action) string {
	switch a {
	case domain.ActionBlock:
		return listBlack
	case domain.ActionAllow:
		return listWhite
	default:
		return ""
	}
}

func (c *Client) call(ctx context.Context, list, op, name string) error {
	if !c.enabled {
		return nil
	}
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return fmt.Errorf(errRequestFailed, list, op, name, err)
	}
	q := u.Query()
	q.Set("list", list)
	q.Set(op, name)
	q.Set("auth", c.token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf(errRequestFailed, list, op, name, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf(errRequestFailed, list, op, name, redact(err, c.token))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf(errStatus, ErrUnexpectedStatus, list, op, resp.StatusCode)
	}
	return nil
}

// redact strips the token from transport errors, which embed the full URL.
func redact(err error, token string) error {
	var uerr *url.Error
	if token == "" || !errors.As(err, &uerr) {
		return err
	}
	return &url.Error{
		Op:  uerr.Op,
		URL: strings.ReplaceAll(uerr.URL, url.QueryEscape(token), "REDACTED"),
		Err: uerr.Err,
	}
}
