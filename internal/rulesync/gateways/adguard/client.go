package adguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/haukened/rr-rulesync/internal/rulesync/common/log"
	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
	"github.com/haukened/rr-rulesync/internal/rulesync/services/synchronizer"
)

const (
	errURLRequired     = "adguard: base URL is required"
	errRequestFailed   = "adguard: %s %s: %w"
	errStatus          = "%w: %s %s returned %d"
	errDecodeFailed    = "adguard: decode %s: %w"
	errUnknownAction   = "adguard: cannot apply action %s"
	pathFilterStatus   = "/control/filtering/status"
	pathFilterSetRules = "/control/filtering/set_rules"
	pathRewriteList    = "/control/rewrite/list"
	pathRewriteAdd     = "/control/rewrite/add"
	pathRewriteDelete  = "/control/rewrite/delete"
	defaultTimeout     = 10 * time.Second
	defaultBackendName = "adguard"
)

// ErrUnexpectedStatus is wrapped by every non-2xx response.
var ErrUnexpectedStatus = errors.New("adguard: unexpected status")

var _ synchronizer.Adapter = (*Client)(nil)

// Client enforces decisions on an AdGuard Home instance. Block and allow
// become user filtering rules; redirects become DNS rewrites.
//
// The client owns the two rule lines BlockRule and AllowRule produce for a
// domain, whoever wrote them. Rewrites are only touched when the previous
// decision it is handed was a redirect, and then only the rewrite to that
// decision's target; rewrites an operator added for other answers survive.
type Client struct {
	name     string
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   log.Logger

	// mu serializes read-modify-write cycles on the user rule list, which the
	// API only exposes as a whole.
	mu sync.Mutex
}

type Options struct {
	Name     string
	URL      string
	Username string
	Password string
	Timeout  time.Duration
	Logger   log.Logger
	// HTTPClient may be injected for testing.
	HTTPClient *http.Client
}

type filteringStatus struct {
	UserRules []string `json:"user_rules"`
}

type setRulesRequest struct {
	Rules []string `json:"rules"`
}

type rewrite struct {
	Domain string `json:"domain"`
	Answer string `json:"answer"`
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf(errURLRequired)
	}
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
	return &Client{
		name:     opts.Name,
		baseURL:  strings.TrimRight(opts.URL, "/"),
		username: opts.Username,
		password: opts.Password,
		http:     opts.HTTPClient,
		logger:   log.WithFields(opts.Logger, map[string]any{"backend": opts.Name}),
	}, nil
}

func (c *Client) Name() string { return c.name }

// BlockRule and AllowRule are the filtering-rule lines this client owns for name.
func BlockRule(name string) string { return "||" + name + "^" }

func AllowRule(name string) string { return "@@||" + name + "^$important" }

func (c *Client) Apply(ctx context.Context, want, prev domain.EffectiveDecision) error {
	var line string
	switch want.Action {
	case domain.ActionBlock:
		line = BlockRule(want.Domain)
	case domain.ActionAllow:
		line = AllowRule(want.Domain)
	case domain.ActionRedirect:
	default:
		return fmt.Errorf(errUnknownAction, want.Action)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.syncRules(ctx, want.Domain, line); err != nil {
		return err
	}
	return c.syncRewrites(ctx, want.Domain, redirectTarget(want), redirectTarget(prev))
}

func (c *Client) Retract(ctx context.Context, prev domain.EffectiveDecision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.syncRules(ctx, prev.Domain, ""); err != nil {
		return err
	}
	return c.syncRewrites(ctx, prev.Domain, "", redirectTarget(prev))
}

func redirectTarget(d domain.EffectiveDecision) string {
	if d.Action != domain.ActionRedirect {
		return ""
	}
	return d.RedirectTarget
}

// syncRules makes want the only owned rule line for name. An empty want
// removes every owned line. The list is written back only when it changed.
func (c *Client) syncRules(ctx context.Context, name, want string) error {
	var status filteringStatus
	if err := c.do(ctx, http.MethodGet, pathFilterStatus, nil, &status); err != nil {
		return err
	}
	owned := []string{BlockRule(name), AllowRule(name)}
	rules := make([]string, 0, len(status.UserRules)+1)
	present := false
	for _, line := range status.UserRules {
		trimmed := strings.TrimSpace(line)
		if trimmed == want && want != "" && !present {
			present = true
			rules = append(rules, line)
			continue
		}
		if slices.Contains(owned, trimmed) {
			continue
		}
		rules = append(rules, line)
	}
	if want != "" && !present {
		rules = append(rules, want)
	}
	if slices.Equal(rules, status.UserRules) {
		return nil
	}
	c.logger.Debug(map[string]any{"domain": name, "rule": want}, "Writing user rules")
	return c.do(ctx, http.MethodPost, pathFilterSetRules, setRulesRequest{Rules: rules}, nil)
}

// syncRewrites leaves exactly one {name, target} rewrite and drops the one
// for prevTarget. Rewrites for name with any other answer are not ours. With
// both targets empty there is nothing to do and the list is not fetched.
func (c *Client) syncRewrites(ctx context.Context, name, target, prevTarget string) error {
	if target == "" && prevTarget == "" {
		return nil
	}
	var list []rewrite
	if err := c.do(ctx, http.MethodGet, pathRewriteList, nil, &list); err != nil {
		return err
	}
	present := false
	for _, rw := range list {
		if !strings.EqualFold(strings.TrimRight(rw.Domain, "."), name) {
			continue
		}
		answer := strings.TrimRight(rw.Answer, ".")
		switch {
		case target != "" && strings.EqualFold(answer, target):
			if !present {
				present = true
				continue
			}
		case prevTarget != "" && strings.EqualFold(answer, prevTarget):
		default:
			continue
		}
		c.logger.Debug(map[string]any{"domain": name, "answer": rw.Answer}, "Deleting rewrite")
		if err := c.do(ctx, http.MethodPost, pathRewriteDelete, rw, nil); err != nil {
			return err
		}
	}
	if target == "" || present {
		return nil
	}
	return c.do(ctx, http.MethodPost, pathRewriteAdd, rewrite{Domain: name, Answer: target}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf(errRequestFailed, method, path, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf(errRequestFailed, method, path, err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf(errRequestFailed, method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf(errStatus, ErrUnexpectedStatus, method, path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf(errDecodeFailed, path, err)
	}
	return nil
}
